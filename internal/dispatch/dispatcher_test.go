// ABOUTME: Tests for the dispatcher using fake peers, a fake device and in-memory persistence
// ABOUTME: Covers the reply/persist/broadcast contract for every message type

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/linksync/internal/modem"
	"github.com/2389/linksync/internal/persist"
	"github.com/2389/linksync/internal/protocol"
	"github.com/2389/linksync/internal/session"
	"github.com/2389/linksync/internal/settings"
)

type fakePeer struct {
	id  string
	mu  sync.Mutex
	got []protocol.Outbound
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(msg protocol.Outbound) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, msg)
	return true
}

func (p *fakePeer) Close() {}

func (p *fakePeer) messages() []protocol.Outbound {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Outbound(nil), p.got...)
}

func (p *fakePeer) last(t *testing.T) protocol.Outbound {
	t.Helper()
	msgs := p.messages()
	require.NotEmpty(t, msgs, "peer %s received nothing", p.id)
	return msgs[len(msgs)-1]
}

type memPersister struct {
	mu       sync.Mutex
	saved    map[string]settings.Tab
	saves    int
	replaces int
	saveErr  error
	snapshot settings.Snapshot
	snapErr  error
}

func newMemPersister() *memPersister {
	return &memPersister{saved: make(map[string]settings.Tab)}
}

func (m *memPersister) Save(_ context.Context, name string, tab settings.Tab) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved[name] = tab
	return nil
}

func (m *memPersister) Replace(_ context.Context, snap settings.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaces++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = make(map[string]settings.Tab, len(snap.Tabs))
	for name, tab := range snap.Tabs {
		m.saved[name] = tab
	}
	return nil
}

func (m *memPersister) LoadSnapshot(_ context.Context, fileName string) (settings.Snapshot, error) {
	if m.snapErr != nil {
		return settings.Snapshot{}, m.snapErr
	}
	return m.snapshot, nil
}

func (m *memPersister) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

type fakeDevice struct {
	mu       sync.Mutex
	commands []json.RawMessage
	respond  func(modem.Command) (modem.Result, error)
}

func (f *fakeDevice) Execute(_ context.Context, cmd modem.Command) (modem.Result, error) {
	raw, _ := json.Marshal(cmd)
	f.mu.Lock()
	f.commands = append(f.commands, raw)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(cmd)
	}
	return modem.Result{Success: true, Message: "ok"}, nil
}

func (f *fakeDevice) sent() []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage(nil), f.commands...)
}

type fixture struct {
	store    *settings.Store
	device   *fakeDevice
	persist  *memPersister
	registry *session.Registry
	d        *Dispatcher
	sender   *fakePeer
	other    *fakePeer
}

func newFixture(t *testing.T, opts Options, storeOpts ...settings.Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    settings.NewDefault(storeOpts...),
		device:   &fakeDevice{},
		persist:  newMemPersister(),
		registry: session.NewRegistry(nil),
		sender:   &fakePeer{id: "sender"},
		other:    &fakePeer{id: "other"},
	}
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}
	f.d = New(f.store, f.device, f.persist, f.registry, opts, nil)
	f.registry.Attach(f.sender, nil)
	f.registry.Attach(f.other, nil)
	return f
}

func (f *fixture) send(msg string) {
	f.d.Handle(context.Background(), f.sender, []byte(msg))
}

func result(t *testing.T, msg protocol.Outbound) protocol.CommandResult {
	t.Helper()
	res, ok := msg.(protocol.CommandResult)
	require.True(t, ok, "expected command_result, got %T", msg)
	return res
}

func TestGreeting_OneSettingsPerTab(t *testing.T) {
	f := newFixture(t, Options{})

	greet := f.d.Greeting()
	require.Len(t, greet, 3)
	for i, name := range settings.DefaultTabNames {
		msg, ok := greet[i].(protocol.Settings)
		require.True(t, ok)
		assert.Equal(t, name, msg.Tab)
		assert.NotEmpty(t, msg.SettingMeta[settings.CategoryRFLink])
	}
}

func TestSettingChange_RepliesPersistsAndBroadcasts(t *testing.T) {
	f := newFixture(t, Options{})

	f.send(`{"type":"setting_change","tab":"Default","category":"rfLink","key":"txFrequency","value":"157.0"}`)

	require.Len(t, f.sender.messages(), 1, "sender gets only the reply")
	res := result(t, f.sender.last(t))
	assert.True(t, res.Success)
	assert.Equal(t, "ok", res.Message)

	update, ok := f.other.last(t).(protocol.Settings)
	require.True(t, ok)
	assert.Equal(t, "Default", update.Tab)
	assert.True(t, settings.String("157.0").Equal(update.Settings[settings.CategoryRFLink]["txFrequency"]))

	saved := f.persist.saved["Default"]
	assert.True(t, settings.String("157.0").Equal(saved.Settings[settings.CategoryRFLink]["txFrequency"]))

	require.Len(t, f.device.sent(), 1)
	assert.JSONEq(t,
		`{"action":"set_parameter","tab":"Default","category":"rfLink","parameter":"txFrequency","value":"157.0"}`,
		string(f.device.sent()[0]))
}

func TestSettingChange_ValuesKeepTheirType(t *testing.T) {
	f := newFixture(t, Options{})

	f.send(`{"type":"setting_change","tab":"Default","category":"rfLink","key":"powerOutput","value":1}`)

	v, ok := f.store.Parameter("Default", settings.CategoryRFLink, "powerOutput")
	require.True(t, ok)
	assert.Equal(t, settings.KindNumber, v.Kind())
	assert.False(t, settings.String("1").Equal(v))
}

func TestSettingChange_DeviceFailureNotPersistedOrBroadcast(t *testing.T) {
	f := newFixture(t, Options{})
	f.device.respond = func(modem.Command) (modem.Result, error) {
		return modem.Result{}, errors.New("PLL unlocked")
	}

	f.send(`{"type":"setting_change","tab":"Default","category":"rfLink","key":"txFrequency","value":"999"}`)

	res := result(t, f.sender.last(t))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "PLL unlocked")
	assert.Empty(t, f.other.messages())
	assert.Equal(t, 0, f.persist.saveCount())

	// The in-memory mutation is not rolled back.
	v, _ := f.store.Parameter("Default", settings.CategoryRFLink, "txFrequency")
	assert.True(t, settings.String("999").Equal(v))
}

func TestSettingChange_ResultFailureCountsAsFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.device.respond = func(modem.Command) (modem.Result, error) {
		return modem.Result{Success: false, Message: "busy"}, nil
	}

	f.send(`{"type":"setting_change","tab":"Default","category":"rfLink","key":"txFrequency","value":"150"}`)

	res := result(t, f.sender.last(t))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "busy")
	assert.Empty(t, f.other.messages())
}

func TestSettingChange_Timeout(t *testing.T) {
	f := newFixture(t, Options{Timeout: 20 * time.Millisecond})
	f.device.respond = func(modem.Command) (modem.Result, error) {
		time.Sleep(200 * time.Millisecond)
		return modem.Result{Success: true}, nil
	}

	f.send(`{"type":"setting_change","tab":"Default","category":"rfLink","key":"txFrequency","value":"150"}`)

	res := result(t, f.sender.last(t))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "timed out")
}

func TestSettingChange_PersistFailureStillBroadcasts(t *testing.T) {
	f := newFixture(t, Options{})
	f.persist.saveErr = errors.New("disk full")

	f.send(`{"type":"setting_change","tab":"Default","category":"rfLink","key":"txFrequency","value":"150"}`)

	assert.True(t, result(t, f.sender.last(t)).Success)
	_, ok := f.other.last(t).(protocol.Settings)
	assert.True(t, ok)
}

func TestSettingChange_ValidationRejectsOutOfRange(t *testing.T) {
	f := newFixture(t, Options{}, settings.WithValidation(true))

	f.send(`{"type":"setting_change","tab":"Default","category":"rfLink","key":"powerOutput","value":"42"}`)

	res := result(t, f.sender.last(t))
	assert.False(t, res.Success)
	assert.Empty(t, f.device.sent())
	v, _ := f.store.Parameter("Default", settings.CategoryRFLink, "powerOutput")
	assert.True(t, settings.String("1").Equal(v))
}

func TestSettingChange_UnknownTabIsCreated(t *testing.T) {
	f := newFixture(t, Options{})

	f.send(`{"type":"setting_change","tab":"Link 9","category":"custom","key":"k","value":true}`)

	assert.True(t, result(t, f.sender.last(t)).Success)
	tab, ok := f.store.Tab("Link 9")
	require.True(t, ok)
	assert.NotNil(t, tab.Settings[settings.CategoryLoaderFilter])
	assert.Contains(t, f.persist.saved, "Link 9")
}

func TestCreateParameter_BroadcastsToOthers(t *testing.T) {
	f := newFixture(t, Options{})

	f.send(`{"type":"create_parameter","tab":"Link 1","category":"custom","key":"squelch","initialValue":-80,"meta":{"type":"range","min":-120,"max":0,"unit":"dBm","options":["x"]}}`)

	assert.True(t, result(t, f.sender.last(t)).Success)
	require.Len(t, f.sender.messages(), 1)

	update, ok := f.other.last(t).(protocol.Settings)
	require.True(t, ok)
	assert.Equal(t, "Link 1", update.Tab)
	d := update.SettingMeta["custom"]["squelch"]
	assert.Equal(t, settings.TypeRange, d.Type)
	assert.Empty(t, d.Options)

	require.Len(t, f.device.sent(), 1)
	var cmd map[string]any
	require.NoError(t, json.Unmarshal(f.device.sent()[0], &cmd))
	assert.Equal(t, "create_parameter", cmd["action"])
	assert.Equal(t, "range", cmd["type"])
	assert.Equal(t, "squelch", cmd["key"])
	assert.EqualValues(t, -80, cmd["initialValue"])
}

func TestCreateParameter_DefaultInitialValue(t *testing.T) {
	f := newFixture(t, Options{})

	f.send(`{"type":"create_parameter","tab":"Default","category":"custom","key":"mode","meta":{"type":"select","options":["FSK","PSK"]}}`)

	v, ok := f.store.Parameter("Default", "custom", "mode")
	require.True(t, ok)
	assert.True(t, settings.String("FSK").Equal(v))
}

func TestCreateTab_BroadcastsToEveryoneAndRejectsDuplicate(t *testing.T) {
	f := newFixture(t, Options{})

	f.send(`{"type":"create_tab","tabName":"Link 3"}`)

	msgs := f.sender.messages()
	require.Len(t, msgs, 2)
	assert.True(t, result(t, msgs[0]).Success)
	update, ok := msgs[1].(protocol.Settings)
	require.True(t, ok)
	assert.Equal(t, "Link 3", update.Tab)

	_, ok = f.other.last(t).(protocol.Settings)
	assert.True(t, ok)
	assert.Contains(t, f.persist.saved, "Link 3")
	assert.Equal(t, "Link 3", f.store.Names()[3])

	f.send(`{"type":"create_tab","tabName":"Link 3"}`)
	res := result(t, f.sender.last(t))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "already exists")
	assert.Len(t, f.device.sent(), 1, "duplicate never reaches the device")
	assert.Len(t, f.other.messages(), 1)
}

func TestGetParameter(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		device *settings.Value
		want   settings.Value
	}{
		{"cached value", "txFrequency", nil, settings.String("156.4")},
		{"device value wins", "txFrequency", ptr(settings.String("156.8")), settings.String("156.8")},
		{"device value for absent key", "nonexistent", ptr(settings.Number(3)), settings.Number(3)},
		{"neither source", "nonexistent", nil, settings.String(protocol.NotAvailable)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.device.respond = func(modem.Command) (modem.Result, error) {
				return modem.Result{Success: true, Message: "read", Value: tt.device}, nil
			}

			f.send(fmt.Sprintf(`{"type":"get_parameter","tab":"Default","category":"rfLink","key":%q}`, tt.key))

			res, ok := f.sender.last(t).(protocol.GetParameterResult)
			require.True(t, ok)
			assert.True(t, res.Success)
			assert.Equal(t, "rfLink", res.Category)
			assert.Equal(t, tt.key, res.Parameter)
			assert.Equal(t, "read", res.Message)
			assert.True(t, tt.want.Equal(res.Value), "got %s", res.Value)
			assert.Empty(t, f.other.messages())
			assert.Equal(t, 0, f.persist.saveCount())
		})
	}
}

func TestGetParameter_DeviceFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.device.respond = func(modem.Command) (modem.Result, error) {
		return modem.Result{}, errors.New("no link")
	}

	f.send(`{"type":"get_parameter","tab":"Default","category":"rfLink","key":"txFrequency"}`)

	res := result(t, f.sender.last(t))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "no link")
}

func TestCustomCommand_ForwardedVerbatim(t *testing.T) {
	f := newFixture(t, Options{})
	f.device.respond = func(cmd modem.Command) (modem.Result, error) {
		return modem.Result{Success: true, Message: "done " + cmd.Name()}, nil
	}

	f.send(`{"type":"custom_command","command":{"at":"ATZ","retries":2}}`)

	res := result(t, f.sender.last(t))
	assert.True(t, res.Success)
	assert.Equal(t, "done custom", res.Message)
	require.Len(t, f.device.sent(), 1)
	assert.JSONEq(t, `{"at":"ATZ","retries":2}`, string(f.device.sent()[0]))
	assert.Empty(t, f.other.messages())
}

func TestMalformedMessages(t *testing.T) {
	for _, msg := range []string{
		`not json`,
		`{"type":"setting_change","tab":"Default","category":"rfLink"}`,
		`{"type":"setting_change","tab":"Default","category":"rfLink","key":"k","value":{"a":1}}`,
		`{"type":"create_parameter","tab":"Default","category":"c","key":"k"}`,
		`{"type":"create_tab"}`,
		`{"type":"get_parameter","tab":"Default"}`,
		`{"type":"custom_command"}`,
		`{"action":"updateFromFile"}`,
	} {
		t.Run(msg, func(t *testing.T) {
			f := newFixture(t, Options{})
			before := f.store.All()

			f.send(msg)

			require.Len(t, f.sender.messages(), 1)
			assert.False(t, result(t, f.sender.last(t)).Success)
			assert.Empty(t, f.other.messages())
			assert.Empty(t, f.device.sent())
			assert.Equal(t, before, f.store.All())
		})
	}
}

func TestUnknownType(t *testing.T) {
	f := newFixture(t, Options{RejectUnknown: true})
	f.send(`{"type":"reboot"}`)
	res := result(t, f.sender.last(t))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "unsupported message type")

	quiet := newFixture(t, Options{RejectUnknown: false})
	quiet.send(`{"type":"reboot"}`)
	assert.Empty(t, quiet.sender.messages())
	assert.Empty(t, quiet.device.sent())
}

func TestUpdateFromFile_ReplacesStoreAndBroadcastsToAll(t *testing.T) {
	f := newFixture(t, Options{})
	link := settings.NewTab()
	link.Settings[settings.CategoryRFLink]["txFrequency"] = settings.String("150.0")
	f.persist.snapshot = settings.Snapshot{Tabs: map[string]settings.Tab{"Link 1": link, "Spare": settings.NewTab()}}
	f.send(`{"type":"create_tab","tabName":"Extra"}`)
	require.Contains(t, f.persist.saved, "Extra")
	f.sender.got, f.other.got = nil, nil

	f.send(`{"action":"updateFromFile","fileName":"saved.json"}`)

	assert.Equal(t, []string{"Link 1", "Spare"}, f.store.Names())
	_, ok := f.store.Tab("Default")
	assert.False(t, ok, "snapshot load replaces, never merges")

	for _, p := range []*fakePeer{f.sender, f.other} {
		require.Len(t, p.messages(), 1)
		up, ok := p.last(t).(protocol.UploadSettings)
		require.True(t, ok, "peer %s", p.id)
		assert.Len(t, up.SettingsStore.Tabs, 2)
	}
	assert.Equal(t, 1, f.persist.replaces)
	assert.Len(t, f.persist.saved, 2, "stored tabs absent from the snapshot are dropped")
	assert.Contains(t, f.persist.saved, "Link 1")
	assert.Contains(t, f.persist.saved, "Spare")
	assert.Len(t, f.device.sent(), 1, "only create_tab reaches the device")
}

func TestUpdateFromFile_RejectsUnsafeTabNames(t *testing.T) {
	f := newFixture(t, Options{})
	f.persist.snapshot = settings.Snapshot{Tabs: map[string]settings.Tab{
		"Link 1":             settings.NewTab(),
		"x/../../../escaped": settings.NewTab(),
	}}

	f.send(`{"action":"updateFromFile","fileName":"saved.json"}`)

	res := result(t, f.sender.last(t))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "invalid tab name")
	assert.Equal(t, settings.DefaultTabNames, f.store.Names())
	assert.Empty(t, f.other.messages())
	assert.Zero(t, f.persist.replaces)
}

func TestUpdateFromFile_RejectsCollidingTabNames(t *testing.T) {
	f := newFixture(t, Options{TabKey: persist.FileName})
	f.persist.snapshot = settings.Snapshot{Tabs: map[string]settings.Tab{
		"Link 1": settings.NewTab(),
		"link 1": settings.NewTab(),
	}}

	f.send(`{"action":"updateFromFile","fileName":"saved.json"}`)

	res := result(t, f.sender.last(t))
	assert.False(t, res.Success)
	assert.Equal(t, settings.DefaultTabNames, f.store.Names())
	assert.Zero(t, f.persist.replaces)
}

func TestUpdateFromFile_LoadError(t *testing.T) {
	f := newFixture(t, Options{})
	f.persist.snapErr = errors.New("no such file")

	f.send(`{"action":"updateFromFile","fileName":"missing.json"}`)

	res := result(t, f.sender.last(t))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "no such file")
	assert.Empty(t, f.other.messages())
	assert.Len(t, f.store.Names(), 3)
}

func TestUnsafeTabNamesNeverReachStorage(t *testing.T) {
	msgs := []string{
		`{"type":"setting_change","tab":"x/../../../escaped","category":"rfLink","key":"txFrequency","value":"1"}`,
		`{"type":"create_parameter","tab":"..","category":"rfLink","key":"k","meta":{"type":"text"}}`,
		`{"type":"create_tab","tabName":"a\b"}`,
	}
	for _, msg := range msgs {
		t.Run(msg, func(t *testing.T) {
			f := newFixture(t, Options{})

			f.send(msg)

			res := result(t, f.sender.last(t))
			assert.False(t, res.Success)
			assert.Contains(t, res.Message, "invalid tab name")
			assert.Equal(t, settings.DefaultTabNames, f.store.Names())
			assert.Zero(t, f.persist.saveCount())
			assert.Empty(t, f.other.messages())
			assert.Empty(t, f.device.sent())
		})
	}
}

func TestNewTabSharingStorageKeyIsRejected(t *testing.T) {
	f := newFixture(t, Options{TabKey: persist.FileName})

	f.send(`{"type":"create_tab","tabName":"link 1"}`)
	res := result(t, f.sender.last(t))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, settings.ErrTabNameCollision.Error())

	f.send(`{"type":"setting_change","tab":"LINK 1","category":"rfLink","key":"txFrequency","value":"1"}`)
	assert.False(t, result(t, f.sender.last(t)).Success)

	assert.Equal(t, settings.DefaultTabNames, f.store.Names())
	assert.Zero(t, f.persist.saveCount())
	assert.Empty(t, f.device.sent())

	f.send(`{"type":"setting_change","tab":"Link 1","category":"rfLink","key":"txFrequency","value":"1"}`)
	assert.True(t, result(t, f.sender.last(t)).Success, "the existing tab itself is unaffected")
}

func TestSameTabOperationsAreSerialised(t *testing.T) {
	f := newFixture(t, Options{})
	var inFlight, maxInFlight atomic.Int32
	f.device.respond = func(modem.Command) (modem.Result, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return modem.Result{Success: true}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			peer := &fakePeer{id: fmt.Sprintf("p%d", i)}
			f.d.Handle(context.Background(), peer,
				[]byte(fmt.Sprintf(`{"type":"setting_change","tab":"Default","category":"rfLink","key":"txFrequency","value":"%d"}`, i)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Equal(t, 8, f.persist.saveCount())
	assert.Len(t, f.other.messages(), 8)

	// The last broadcast carries the final stored value.
	final, _ := f.store.Parameter("Default", settings.CategoryRFLink, "txFrequency")
	last := f.other.last(t).(protocol.Settings)
	assert.True(t, final.Equal(last.Settings[settings.CategoryRFLink]["txFrequency"]))
}

func ptr(v settings.Value) *settings.Value { return &v }
