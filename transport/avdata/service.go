// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package avdata exposes asset instances for the device-management bridge
// over a single MQTT connection.
//
// Every field of an asset is published, retained, on
//
//	<prefix>/<asset>/fields/<field>
//
// and the server changes a field by publishing the new value on
//
//	<prefix>/<asset>/write/<field>
//
// Values use the bridge wire format.
package avdata

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mangoh/datarouter/internal/bridge"
	"github.com/mangoh/datarouter/internal/bridge/lwm2m"
	"github.com/mangoh/datarouter/internal/store"
	"github.com/mangoh/datarouter/transport"
)

var (
	// ErrFieldNotFound is returned when reading a field with no known value.
	ErrFieldNotFound = errors.New("asset field not found")
	// ErrInvalidName is returned for asset or field names that cannot be
	// used in a topic.
	ErrInvalidName = errors.New("invalid asset or field name")
	// ErrDeleted is returned by operations on a deleted instance.
	ErrDeleted = errors.New("asset instance deleted")
)

// Config of the shared connection.
type Config struct {
	Broker         string
	Port           int
	ClientID       string
	Password       string
	Prefix         string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// Service implements lwm2m.Service. Instances of the same asset share one
// subscription to its write topics.
type Service struct {
	cfg    Config
	client pahomqtt.Client
	log    *slog.Logger

	mu     sync.Mutex
	routes map[string]map[*Instance]struct{}
}

var _ lwm2m.Service = (*Service)(nil)

// Dial connects to the broker and returns a ready service.
func Dial(cfg Config, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "avdata"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "datarouter-avdata"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = transport.DefaultConnectTimeout
	}
	broker, err := transport.BrokerURL(cfg.Broker, cfg.Port)
	if err != nil {
		return nil, err
	}
	log = log.With("broker", broker)

	o := pahomqtt.NewClientOptions()
	o.AddBroker(broker)
	o.SetClientID(cfg.ClientID)
	if cfg.Password != "" {
		o.SetUsername(cfg.ClientID)
		o.SetPassword(cfg.Password)
	}
	if cfg.KeepAlive > 0 {
		o.SetKeepAlive(cfg.KeepAlive)
	}
	o.SetConnectTimeout(cfg.ConnectTimeout)
	// Subscriptions are restored by the instances on reconnect.
	o.SetCleanSession(false)
	o.SetAutoReconnect(true)
	o.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn("Asset data connection lost", "err", err)
	})

	client := pahomqtt.NewClient(o)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", broker, err)
	}
	log.Info("Asset data connection established")
	return &Service{
		cfg:    cfg,
		client: client,
		log:    log,
		routes: make(map[string]map[*Instance]struct{}),
	}, nil
}

// Close disconnects from the broker.
func (s *Service) Close() error {
	s.client.Disconnect(uint(transport.DisconnectQuiesce / time.Millisecond))
	return nil
}

// Create registers an asset instance and subscribes to its writes. The
// subscription completes in the background.
func (s *Service) Create(asset string) (lwm2m.Instance, error) {
	if asset == "" || strings.ContainsAny(asset, "+#") {
		return nil, fmt.Errorf("%w: asset %q", ErrInvalidName, asset)
	}
	inst := &Instance{
		svc:      s,
		base:     s.cfg.Prefix + "/" + asset,
		values:   make(map[string]string),
		handlers: make(map[string]map[int]lwm2m.FieldHandler),
		log:      s.log.With("asset", asset),
	}

	s.mu.Lock()
	insts, ok := s.routes[inst.base]
	if !ok {
		insts = make(map[*Instance]struct{})
		s.routes[inst.base] = insts
	}
	insts[inst] = struct{}{}
	s.mu.Unlock()

	filter := inst.base + "/write/#"
	if !ok {
		base := inst.base
		s.await("subscribe", filter, s.client.Subscribe(filter, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			s.route(base, msg)
		}))
	}
	inst.log.Debug("Asset instance created", "filter", filter, "shared", ok)
	return inst, nil
}

func (s *Service) release(inst *Instance) {
	s.mu.Lock()
	insts := s.routes[inst.base]
	delete(insts, inst)
	last := insts != nil && len(insts) == 0
	if last {
		delete(s.routes, inst.base)
	}
	s.mu.Unlock()

	if last {
		filter := inst.base + "/write/#"
		s.await("unsubscribe", filter, s.client.Unsubscribe(filter))
	}
}

func (s *Service) route(base string, msg pahomqtt.Message) {
	field, ok := strings.CutPrefix(msg.Topic(), base+"/write/")
	if !ok || field == "" {
		return
	}
	s.mu.Lock()
	insts := make([]*Instance, 0, len(s.routes[base]))
	for inst := range s.routes[base] {
		insts = append(insts, inst)
	}
	s.mu.Unlock()

	for _, inst := range insts {
		inst.written(field, string(msg.Payload()))
	}
}

// await reports the outcome of token without holding up the caller.
func (s *Service) await(op, filter string, token pahomqtt.Token) {
	go func() {
		if !token.WaitTimeout(s.cfg.ConnectTimeout) {
			s.log.Error("Asset data "+op+" timed out", "filter", filter)
			return
		}
		if err := token.Error(); err != nil {
			s.log.Error("Asset data "+op+" failed", "filter", filter, "err", err)
		}
	}()
}

// Instance implements lwm2m.Instance.
type Instance struct {
	svc  *Service
	base string
	log  *slog.Logger

	mu       sync.Mutex
	deleted  bool
	values   map[string]string
	next     int
	handlers map[string]map[int]lwm2m.FieldHandler
}

func (i *Instance) written(field, payload string) {
	i.mu.Lock()
	if i.deleted {
		i.mu.Unlock()
		return
	}
	i.values[field] = payload
	handlers := make([]lwm2m.FieldHandler, 0, len(i.handlers[field]))
	for _, fn := range i.handlers[field] {
		handlers = append(handlers, fn)
	}
	i.mu.Unlock()

	i.log.Debug("Asset field written", "field", field)
	for _, fn := range handlers {
		fn(field)
	}
}

func (i *Instance) set(field string, v store.Value) error {
	if field == "" || strings.ContainsAny(field, "+#") {
		return fmt.Errorf("%w: field %q", ErrInvalidName, field)
	}
	payload := bridge.FormatValue(v)

	i.mu.Lock()
	if i.deleted {
		i.mu.Unlock()
		return ErrDeleted
	}
	i.values[field] = payload
	i.mu.Unlock()

	topic := i.base + "/fields/" + field
	token := i.svc.client.Publish(topic, 1, true, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			i.log.Error("Asset field publish failed", "topic", topic, "err", err)
		}
	}()
	return nil
}

func (i *Instance) get(field string, t store.Type) (store.Value, error) {
	i.mu.Lock()
	raw, ok := i.values[field]
	deleted := i.deleted
	i.mu.Unlock()
	if deleted {
		return store.Value{}, ErrDeleted
	}
	if !ok {
		return store.Value{}, fmt.Errorf("%w: %s", ErrFieldNotFound, field)
	}
	return bridge.ParseValue(t, raw)
}

func (i *Instance) SetBool(field string, v bool) error { return i.set(field, store.Bool(v)) }
func (i *Instance) SetInt(field string, v int32) error { return i.set(field, store.Int(v)) }
func (i *Instance) SetFloat(field string, v float64) error { return i.set(field, store.Float(v)) }
func (i *Instance) SetString(field string, v string) error { return i.set(field, store.String(v)) }

func (i *Instance) GetBool(field string) (bool, error) {
	v, err := i.get(field, store.TypeBoolean)
	if err != nil {
		return false, err
	}
	return v.AsBool()
}

func (i *Instance) GetInt(field string) (int32, error) {
	v, err := i.get(field, store.TypeInteger)
	if err != nil {
		return 0, err
	}
	return v.AsInt()
}

func (i *Instance) GetFloat(field string) (float64, error) {
	v, err := i.get(field, store.TypeFloat)
	if err != nil {
		return 0, err
	}
	return v.AsFloat()
}

func (i *Instance) GetString(field string) (string, error) {
	v, err := i.get(field, store.TypeString)
	if err != nil {
		return "", err
	}
	return v.AsString()
}

// AddFieldEventHandler calls fn whenever the server writes field.
func (i *Instance) AddFieldEventHandler(field string, fn lwm2m.FieldHandler) (func(), error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.deleted {
		return nil, ErrDeleted
	}
	id := i.next
	i.next++
	if i.handlers[field] == nil {
		i.handlers[field] = make(map[int]lwm2m.FieldHandler)
	}
	i.handlers[field][id] = fn
	return func() {
		i.mu.Lock()
		defer i.mu.Unlock()
		delete(i.handlers[field], id)
		if len(i.handlers[field]) == 0 {
			delete(i.handlers, field)
		}
	}, nil
}

// Delete detaches the instance from server writes. The shared subscription
// is dropped with the last instance of the asset. Retained field values are
// left in place for the next instance of the same asset.
func (i *Instance) Delete() error {
	i.mu.Lock()
	if i.deleted {
		i.mu.Unlock()
		return nil
	}
	i.deleted = true
	i.handlers = make(map[string]map[int]lwm2m.FieldHandler)
	i.mu.Unlock()

	i.svc.release(i)
	i.log.Debug("Asset instance deleted")
	return nil
}
