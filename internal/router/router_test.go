// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mangoh/datarouter/internal/bridge"
	"github.com/mangoh/datarouter/internal/bridge/lwm2m"
	"github.com/mangoh/datarouter/internal/bridge/mqtt"
	"github.com/mangoh/datarouter/internal/eventloop"
	"github.com/mangoh/datarouter/internal/persistence"
	"github.com/mangoh/datarouter/internal/session"
	"github.com/mangoh/datarouter/internal/store"
)

type fakeMQTT struct {
	connects    int
	disconnects int
	sent        []mqtt.Message
	state       mqtt.StateHandler
	message     mqtt.MessageHandler
}

func (c *fakeMQTT) Connect(string) error { c.connects++; return nil }
func (c *fakeMQTT) Disconnect() error { c.disconnects++; return nil }
func (c *fakeMQTT) Send(m mqtt.Message) error {
	c.sent = append(c.sent, m)
	return nil
}

func (c *fakeMQTT) OnStateChange(fn mqtt.StateHandler) func() {
	c.state = fn
	return func() { c.state = nil }
}

func (c *fakeMQTT) OnMessage(fn mqtt.MessageHandler) func() {
	c.message = fn
	return func() { c.message = nil }
}

type fakeInstance struct {
	fields   map[string]any
	handlers map[string]lwm2m.FieldHandler
	deleted  bool
}

func (f *fakeInstance) SetBool(k string, v bool) error { f.fields[k] = v; return nil }
func (f *fakeInstance) SetInt(k string, v int32) error { f.fields[k] = v; return nil }
func (f *fakeInstance) SetFloat(k string, v float64) error { f.fields[k] = v; return nil }
func (f *fakeInstance) SetString(k string, v string) error { f.fields[k] = v; return nil }
func (f *fakeInstance) GetBool(k string) (bool, error) { return f.fields[k].(bool), nil }
func (f *fakeInstance) GetInt(k string) (int32, error) { return f.fields[k].(int32), nil }
func (f *fakeInstance) GetFloat(k string) (float64, error) { return f.fields[k].(float64), nil }
func (f *fakeInstance) GetString(k string) (string, error) { return f.fields[k].(string), nil }
func (f *fakeInstance) Delete() error { f.deleted = true; return nil }
func (f *fakeInstance) AddFieldEventHandler(k string, fn lwm2m.FieldHandler) (func(), error) {
	f.handlers[k] = fn
	return func() { delete(f.handlers, k) }, nil
}

type fakeAssets struct {
	instances map[string]*fakeInstance
}

func (a *fakeAssets) Create(asset string) (lwm2m.Instance, error) {
	inst := &fakeInstance{fields: map[string]any{}, handlers: map[string]lwm2m.FieldHandler{}}
	a.instances[asset] = inst
	return inst, nil
}

type harness struct {
	r       *Router
	sched   *eventloop.Manual
	clients []*fakeMQTT
	assets  *fakeAssets
}

func newHarness(t *testing.T, p bridge.Protocol) *harness {
	t.Helper()
	h := &harness{
		sched:  eventloop.NewManual(),
		assets: &fakeAssets{instances: map[string]*fakeInstance{}},
	}
	h.r = New(Config{Protocol: p}, Deps{
		Scheduler: h.sched,
		MQTTClients: func(mqtt.ClientConfig) (mqtt.Client, error) {
			c := &fakeMQTT{}
			h.clients = append(h.clients, c)
			return c, nil
		},
		Assets: h.assets,
		Tree:   persistence.NewMemoryTree(),
		Vault:  persistence.NewMemoryVault(),
	})
	return h
}

func (h *harness) start(t *testing.T, id session.ID, push bool, policy store.Policy) {
	t.Helper()
	require.NoError(t, h.r.SessionStart(id, PushConfig{Enabled: push, URL: "url-" + string(id), Password: "pw"}, policy))
}

type event struct {
	typ store.Type
	key string
	ctx any
}

func collect(events *[]event) store.HandlerFunc {
	return func(t store.Type, key string, ctx any) {
		*events = append(*events, event{t, key, ctx})
	}
}

func TestRouter_WriteThenReadEachType(t *testing.T) {
	h := newHarness(t, bridge.None)
	h.start(t, "a", false, store.PolicyNone)

	require.NoError(t, h.r.WriteBool("a", "b", true, 1))
	require.NoError(t, h.r.WriteInt("a", "i", 42, 2))
	require.NoError(t, h.r.WriteFloat("a", "f", 3.25, 3))
	require.NoError(t, h.r.WriteString("a", "s", "hi", 4))

	b, ts, err := h.r.ReadBool("a", "b")
	require.NoError(t, err)
	assert.True(t, b)
	assert.Equal(t, uint32(1), ts)

	i, ts, err := h.r.ReadInt("a", "i")
	require.NoError(t, err)
	assert.Equal(t, int32(42), i)
	assert.Equal(t, uint32(2), ts)

	f, ts, err := h.r.ReadFloat("a", "f")
	require.NoError(t, err)
	assert.Equal(t, 3.25, f)
	assert.Equal(t, uint32(3), ts)

	s, ts, err := h.r.ReadString("a", "s")
	require.NoError(t, err)
	assert.Equal(t, "hi", s)
	assert.Equal(t, uint32(4), ts)
}

func TestRouter_ReadNotFoundAndTypeMismatch(t *testing.T) {
	h := newHarness(t, bridge.None)
	h.start(t, "a", false, store.PolicyNone)

	_, _, err := h.r.ReadInt("a", "never")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = h.r.AddUpdateHandler("a", "subscribed", nil, nil)
	require.NoError(t, err)
	_, _, err = h.r.ReadInt("a", "subscribed")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, h.r.WriteInt("a", "n", 5, 1))
	s, ts, err := h.r.ReadString("a", "n")
	assert.ErrorIs(t, err, store.ErrTypeMismatch)
	assert.Equal(t, "", s)
	assert.Zero(t, ts)
	b, _, err := h.r.ReadBool("a", "n")
	assert.ErrorIs(t, err, store.ErrTypeMismatch)
	assert.False(t, b)
}

func TestRouter_WriteChangesTypeAndPolicy(t *testing.T) {
	h := newHarness(t, bridge.None)
	h.start(t, "a", false, store.PolicyNone)
	h.start(t, "b", false, store.PolicyPersist)

	require.NoError(t, h.r.WriteInt("a", "k", 1, 1))
	require.NoError(t, h.r.WriteString("b", "k", "x", 2))

	it := h.r.Store().Get("k")
	assert.Equal(t, store.TypeString, it.Type())
	assert.Equal(t, store.PolicyPersist, it.Policy())
}

func TestRouter_NotifyExcludesWriter(t *testing.T) {
	h := newHarness(t, bridge.None)
	h.start(t, "a", false, store.PolicyNone)
	h.start(t, "b", false, store.PolicyNone)

	var aEvents, bEvents []event
	_, err := h.r.AddUpdateHandler("a", "k", collect(&aEvents), "ctx-a")
	require.NoError(t, err)
	_, err = h.r.AddUpdateHandler("b", "k", collect(&bEvents), "ctx-b")
	require.NoError(t, err)

	require.NoError(t, h.r.WriteFloat("a", "k", 1.5, 1))

	assert.Empty(t, aEvents)
	assert.Equal(t, []event{{store.TypeFloat, "k", "ctx-b"}}, bEvents)
}

func TestRouter_DuplicateHandlerReturnsExisting(t *testing.T) {
	h := newHarness(t, bridge.None)
	h.start(t, "a", false, store.PolicyNone)

	h1, err := h.r.AddUpdateHandler("a", "k", nil, nil)
	require.NoError(t, err)
	h2, err := h.r.AddUpdateHandler("a", "k", nil, nil)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
}

func TestRouter_RemoveUpdateHandler(t *testing.T) {
	h := newHarness(t, bridge.None)
	h.start(t, "a", false, store.PolicyNone)
	h.start(t, "b", false, store.PolicyNone)
	h.start(t, "c", false, store.PolicyNone)

	var events []event
	hb, err := h.r.AddUpdateHandler("b", "k", collect(&events), nil)
	require.NoError(t, err)

	// Another session cannot remove it.
	require.NoError(t, h.r.RemoveUpdateHandler("c", hb))
	require.NoError(t, h.r.WriteInt("a", "k", 1, 1))
	assert.Len(t, events, 1)

	require.NoError(t, h.r.RemoveUpdateHandler("b", hb))
	require.NoError(t, h.r.RemoveUpdateHandler("b", hb))
	require.NoError(t, h.r.WriteInt("a", "k", 2, 2))
	assert.Len(t, events, 1)
}

func TestRouter_SessionEndPurgesHandlers(t *testing.T) {
	h := newHarness(t, bridge.None)
	h.start(t, "a", false, store.PolicyNone)
	h.start(t, "b", false, store.PolicyNone)

	var events []event
	for _, k := range []string{"k1", "k2", "k3"} {
		_, err := h.r.AddUpdateHandler("b", k, collect(&events), nil)
		require.NoError(t, err)
	}
	require.NoError(t, h.r.SessionEnd("b"))
	assert.Nil(t, h.r.Session("b"))

	for _, k := range []string{"k1", "k2", "k3"} {
		require.NoError(t, h.r.WriteInt("a", k, 1, 1))
		assert.Empty(t, h.r.Store().Get(k).Handlers())
	}
	assert.Empty(t, events)

	// Idempotent.
	require.NoError(t, h.r.SessionEnd("b"))
}

func TestRouter_UnauthenticatedCaller(t *testing.T) {
	h := newHarness(t, bridge.None)

	assert.ErrorIs(t, h.r.WriteInt("ghost", "k", 1, 1), ErrUnauthenticated)
	_, _, err := h.r.ReadInt("ghost", "k")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = h.r.AddUpdateHandler("ghost", "k", nil, nil)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.ErrorIs(t, h.r.RemoveUpdateHandler("ghost", nil), ErrUnauthenticated)

	assert.Nil(t, h.r.Store().Get("k"))
	assert.Zero(t, h.r.Sessions())
}

func TestRouter_DuplicateSessionStartIsNoop(t *testing.T) {
	h := newHarness(t, bridge.MQTT)
	h.start(t, "a", true, store.PolicyNone)
	h.start(t, "a", false, store.PolicyPersist)

	s := h.r.Session("a")
	require.NotNil(t, s)
	assert.True(t, s.Pushing())
	assert.Equal(t, store.PolicyNone, s.Policy())
	assert.Len(t, h.clients, 1)
}

func TestRouter_InvalidWritesLeaveNoTrace(t *testing.T) {
	h := newHarness(t, bridge.None)
	h.start(t, "a", false, store.PolicyNone)

	assert.ErrorIs(t, h.r.WriteInt("a", "", 1, 1), store.ErrInvalidKey)
	long := make([]byte, store.MaxStringLen+1)
	for i := range long {
		long[i] = 'x'
	}
	assert.ErrorIs(t, h.r.WriteString("a", "s", string(long), 1), store.ErrInvalidValue)
	assert.Nil(t, h.r.Store().Get("s"))
}

func TestRouter_MQTTQueuedWritesFlushOnConnect(t *testing.T) {
	h := newHarness(t, bridge.MQTT)
	h.start(t, "a", true, store.PolicyNone)
	require.Len(t, h.clients, 1)
	c := h.clients[0]

	require.NoError(t, h.r.WriteInt("a", "x", 1, 1))
	require.NoError(t, h.r.WriteInt("a", "y", 2, 2))
	require.NoError(t, h.r.WriteInt("a", "z", 3, 3))
	assert.Empty(t, c.sent)

	c.state(true, nil)
	h.sched.Drain()

	require.Len(t, c.sent, 3)
	assert.Equal(t, "x", c.sent[0].Key)
	assert.Equal(t, "y", c.sent[1].Key)
	assert.Equal(t, "z", c.sent[2].Key)
}

func TestRouter_MQTTQueueOverflowKeepsLocalWrite(t *testing.T) {
	h := newHarness(t, bridge.MQTT)
	h.start(t, "a", true, store.PolicyNone)

	for i := 0; i <= mqtt.DefaultQueueCapacity; i++ {
		require.NoError(t, h.r.WriteInt("a", "k", int32(i), uint32(i)))
	}
	v, _, err := h.r.ReadInt("a", "k")
	require.NoError(t, err)
	assert.Equal(t, int32(mqtt.DefaultQueueCapacity), v)
	assert.Equal(t, mqtt.DefaultQueueCapacity, h.r.Session("a").mqtt.Queued())
}

func TestRouter_NonPushingSessionDoesNotForward(t *testing.T) {
	h := newHarness(t, bridge.MQTT)
	h.start(t, "a", false, store.PolicyNone)
	assert.Empty(t, h.clients)
	require.NoError(t, h.r.WriteInt("a", "k", 1, 1))
}

func TestRouter_MQTTSessionEndDeferredWhileConnecting(t *testing.T) {
	h := newHarness(t, bridge.MQTT)
	h.start(t, "a", true, store.PolicyNone)
	h.start(t, "b", false, store.PolicyNone)
	c := h.clients[0]

	var events []event
	_, err := h.r.AddUpdateHandler("a", "k", collect(&events), nil)
	require.NoError(t, err)
	require.NoError(t, h.r.WriteInt("a", "q", 1, 1))

	require.NoError(t, h.r.SessionEnd("a"))
	s := h.r.Session("a")
	require.NotNil(t, s, "record kept until the connect resolves")
	assert.True(t, s.Ending())

	// Handlers are gone right away and the ending session is not usable.
	require.NoError(t, h.r.WriteInt("b", "k", 1, 1))
	assert.Empty(t, events)
	assert.ErrorIs(t, h.r.WriteInt("a", "k", 2, 2), ErrUnauthenticated)

	c.state(true, nil)
	h.sched.Drain()

	assert.Nil(t, h.r.Session("a"))
	require.Len(t, c.sent, 1)
	assert.Equal(t, "q", c.sent[0].Key)
	assert.Equal(t, 1, c.disconnects)
}

func TestRouter_MQTTSessionEndWhenConnected(t *testing.T) {
	h := newHarness(t, bridge.MQTT)
	h.start(t, "a", true, store.PolicyNone)
	c := h.clients[0]
	c.state(true, nil)
	h.sched.Drain()

	require.NoError(t, h.r.SessionEnd("a"))
	assert.Nil(t, h.r.Session("a"))
	assert.Equal(t, 1, c.disconnects)
}

func TestRouter_MQTTIncomingNotifiesAllSessions(t *testing.T) {
	h := newHarness(t, bridge.MQTT)
	h.start(t, "a", true, store.PolicyNone)
	h.start(t, "b", false, store.PolicyNone)
	c := h.clients[0]
	c.state(true, nil)
	h.sched.Drain()

	var aEvents, bEvents []event
	_, err := h.r.AddUpdateHandler("a", "cmd", collect(&aEvents), nil)
	require.NoError(t, err)
	_, err = h.r.AddUpdateHandler("b", "cmd", collect(&bEvents), nil)
	require.NoError(t, err)
	require.NoError(t, h.r.WriteInt("a", "cmd", 0, 1))
	sent := len(c.sent)

	c.message(mqtt.Message{Key: "cmd", Value: "9", Timestamp: 50})
	h.sched.Drain()

	v, ts, err := h.r.ReadInt("b", "cmd")
	require.NoError(t, err)
	assert.Equal(t, int32(9), v)
	assert.Equal(t, uint32(50), ts)
	assert.Len(t, aEvents, 1)
	assert.Len(t, bEvents, 2)
	assert.Len(t, c.sent, sent)
}

func TestRouter_LWM2MPushAndFieldChange(t *testing.T) {
	h := newHarness(t, bridge.LWM2M)
	h.start(t, "a", true, store.PolicyNone)
	h.start(t, "b", false, store.PolicyNone)
	inst := h.assets.instances["url-a"]
	require.NotNil(t, inst)

	var aEvents, bEvents []event
	_, err := h.r.AddUpdateHandler("a", "level", collect(&aEvents), nil)
	require.NoError(t, err)
	_, err = h.r.AddUpdateHandler("b", "level", collect(&bEvents), nil)
	require.NoError(t, err)

	require.NoError(t, h.r.WriteFloat("a", "level", 0.5, 7))
	assert.Equal(t, 0.5, inst.fields["level"])
	assert.Len(t, bEvents, 1)

	inst.fields["level"] = 0.75
	inst.handlers["level"]("level")
	h.sched.Drain()

	f, ts, err := h.r.ReadFloat("b", "level")
	require.NoError(t, err)
	assert.Equal(t, 0.75, f)
	assert.Equal(t, uint32(7), ts)
	assert.Len(t, aEvents, 1)
	assert.Len(t, bEvents, 2)

	require.NoError(t, h.r.SessionEnd("a"))
	assert.True(t, inst.deleted)
	assert.Empty(t, inst.handlers)
	assert.Nil(t, h.r.Session("a"))
}

func TestRouter_FlushAndRestore(t *testing.T) {
	tree := persistence.NewMemoryTree()
	vault := persistence.NewMemoryVault()
	r := New(Config{Protocol: bridge.None}, Deps{Tree: tree, Vault: vault, Scheduler: eventloop.NewManual()})
	require.NoError(t, r.SessionStart("p", PushConfig{}, store.PolicyPersist))
	require.NoError(t, r.SessionStart("e", PushConfig{}, store.PolicyPersistEncrypted))
	require.NoError(t, r.SessionStart("n", PushConfig{}, store.PolicyNone))
	require.NoError(t, r.WriteInt("p", "plain", 1, 10))
	require.NoError(t, r.WriteString("e", "secret", "s3", 11))
	require.NoError(t, r.WriteBool("n", "volatile", true, 12))
	require.NoError(t, r.Flush())

	r2 := New(Config{Protocol: bridge.None}, Deps{Tree: tree, Vault: vault, Scheduler: eventloop.NewManual()})
	n, err := r2.Restore()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, r2.SessionStart("x", PushConfig{}, store.PolicyNone))

	i, ts, err := r2.ReadInt("x", "plain")
	require.NoError(t, err)
	assert.Equal(t, int32(1), i)
	assert.Equal(t, uint32(10), ts)
	s, _, err := r2.ReadString("x", "secret")
	require.NoError(t, err)
	assert.Equal(t, "s3", s)
	_, _, err = r2.ReadBool("x", "volatile")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Restored items keep their policy across a second flush.
	require.NoError(t, r2.Flush())
	r3 := New(Config{Protocol: bridge.None}, Deps{Tree: tree, Vault: vault, Scheduler: eventloop.NewManual()})
	n, err = r3.Restore()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
