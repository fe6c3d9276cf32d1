// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package lwm2m

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mangoh/datarouter/internal/eventloop"
	"github.com/mangoh/datarouter/internal/session"
	"github.com/mangoh/datarouter/internal/store"
)

type setCall struct {
	field string
	value any
}

type fakeInstance struct {
	asset    string
	sets     []setCall
	values   map[string]any
	handlers map[string]FieldHandler
	added    int
	deleted  bool
}

func (f *fakeInstance) set(field string, v any) error {
	f.sets = append(f.sets, setCall{field, v})
	return nil
}

func (f *fakeInstance) SetBool(field string, v bool) error { return f.set(field, v) }
func (f *fakeInstance) SetInt(field string, v int32) error { return f.set(field, v) }
func (f *fakeInstance) SetFloat(field string, v float64) error { return f.set(field, v) }
func (f *fakeInstance) SetString(field string, v string) error { return f.set(field, v) }
func (f *fakeInstance) GetBool(field string) (bool, error) { return f.values[field].(bool), nil }
func (f *fakeInstance) GetInt(field string) (int32, error) { return f.values[field].(int32), nil }
func (f *fakeInstance) GetFloat(field string) (float64, error) { return f.values[field].(float64), nil }
func (f *fakeInstance) GetString(field string) (string, error) { return f.values[field].(string), nil }

func (f *fakeInstance) AddFieldEventHandler(field string, fn FieldHandler) (func(), error) {
	f.added++
	f.handlers[field] = fn
	return func() { delete(f.handlers, field) }, nil
}

func (f *fakeInstance) Delete() error {
	f.deleted = true
	return nil
}

type fakeService struct {
	inst *fakeInstance
	err  error
}

func (s *fakeService) Create(asset string) (Instance, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.inst = &fakeInstance{asset: asset, values: map[string]any{}, handlers: map[string]FieldHandler{}}
	return s.inst, nil
}

type fakeHost struct {
	store    *store.Store
	notified []session.ID
}

func (h *fakeHost) Item(key string) *store.Item { return h.store.Get(key) }

func (h *fakeHost) Notify(writer session.ID, it *store.Item) {
	h.notified = append(h.notified, writer)
}

func setup(t *testing.T) (*Session, *fakeService, *fakeHost, *eventloop.Manual) {
	t.Helper()
	svc := &fakeService{}
	host := &fakeHost{store: store.New(nil)}
	sched := eventloop.NewManual()
	s, err := Start("app", "sensors", Deps{Service: svc, Scheduler: sched, Host: host})
	require.NoError(t, err)
	return s, svc, host, sched
}

func write(t *testing.T, st *store.Store, key string, v store.Value, ts uint32) *store.Item {
	t.Helper()
	it, err := st.CreateIfAbsent(key)
	require.NoError(t, err)
	require.NoError(t, st.Set(it, v, ts, store.PolicyNone))
	return it
}

func TestSession_StartCreatesNamedInstance(t *testing.T) {
	_, svc, _, _ := setup(t)
	assert.Equal(t, "sensors", svc.inst.asset)
}

func TestSession_StartFailure(t *testing.T) {
	_, err := Start("app", "x", Deps{Service: &fakeService{err: errors.New("no service")}})
	assert.Error(t, err)
}

func TestSession_PushSetsExactlyOneFieldPerType(t *testing.T) {
	s, svc, host, _ := setup(t)

	require.NoError(t, s.Push(write(t, host.store, "b", store.Bool(true), 1)))
	require.NoError(t, s.Push(write(t, host.store, "i", store.Int(7), 1)))
	require.NoError(t, s.Push(write(t, host.store, "f", store.Float(1.25), 1)))
	require.NoError(t, s.Push(write(t, host.store, "s", store.String("x"), 1)))

	assert.Equal(t, []setCall{
		{"b", true},
		{"i", int32(7)},
		{"f", 1.25},
		{"s", "x"},
	}, svc.inst.sets)
}

func TestSession_FieldHandlerRegisteredOncePerKey(t *testing.T) {
	s, svc, host, _ := setup(t)

	it := write(t, host.store, "temp", store.Float(20), 1)
	require.NoError(t, s.Push(it))
	require.NoError(t, s.Push(it))
	require.NoError(t, s.Push(write(t, host.store, "hum", store.Int(40), 1)))

	assert.Equal(t, 2, svc.inst.added)
	assert.Equal(t, 2, s.Fields())
}

func TestSession_FieldEventOverwritesItemAndNotifies(t *testing.T) {
	s, svc, host, sched := setup(t)

	it := write(t, host.store, "setpoint", store.Int(10), 5)
	require.NoError(t, s.Push(it))
	sets := len(svc.inst.sets)

	svc.inst.values["setpoint"] = int32(25)
	svc.inst.handlers["setpoint"]("setpoint")
	sched.Drain()

	v, ts, err := host.store.ReadInt("setpoint")
	require.NoError(t, err)
	assert.Equal(t, int32(25), v)
	assert.Equal(t, uint32(5), ts)
	assert.Equal(t, []session.ID{session.LWM2M}, host.notified)
	assert.Len(t, svc.inst.sets, sets, "field change must not be pushed back")
}

func TestSession_EndRemovesHandlersAndDeletesInstance(t *testing.T) {
	s, svc, host, sched := setup(t)

	require.NoError(t, s.Push(write(t, host.store, "a", store.Bool(false), 1)))
	require.NoError(t, s.Push(write(t, host.store, "b", store.String("y"), 1)))
	handler := svc.inst.handlers["a"]

	s.End()
	assert.Empty(t, svc.inst.handlers)
	assert.True(t, svc.inst.deleted)
	assert.Zero(t, s.Fields())

	// A field event already in flight is ignored.
	svc.inst.values["a"] = true
	handler("a")
	sched.Drain()
	assert.Empty(t, host.notified)

	s.End()
}
