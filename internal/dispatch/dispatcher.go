// ABOUTME: Per-message state machine between clients, the settings store and the device
// ABOUTME: Mutate, execute on the device, then reply, persist and broadcast on success

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/linksync/internal/modem"
	"github.com/2389/linksync/internal/protocol"
	"github.com/2389/linksync/internal/session"
	"github.com/2389/linksync/internal/settings"
)

// ErrUnsupported is reported for message types outside the protocol.
var ErrUnsupported = errors.New("unsupported message type")

// Broadcaster fans messages out to connected sessions.
type Broadcaster interface {
	Broadcast(msg protocol.Outbound, excludeID string) int
}

// Persister is the subset of the persistence adapter the dispatcher uses.
type Persister interface {
	Save(ctx context.Context, name string, tab settings.Tab) error
	Replace(ctx context.Context, snap settings.Snapshot) error
	LoadSnapshot(ctx context.Context, fileName string) (settings.Snapshot, error)
}

// Options tunes dispatcher behaviour.
type Options struct {
	// Timeout bounds each device command. Zero means no limit.
	Timeout time.Duration
	// RejectUnknown replies with a failure to unknown message types instead
	// of ignoring them.
	RejectUnknown bool
	// TabKey maps a tab name to its storage key. A new tab whose key is
	// already taken by another tab is rejected. Nil keys tabs by name.
	TabKey func(name string) string
}

// Dispatcher handles inbound client messages. It implements session.Handler.
type Dispatcher struct {
	store     *settings.Store
	exec      modem.Executor
	persist   Persister
	broadcast Broadcaster
	locks     *tabLocks
	opts      Options
	logger    *slog.Logger
}

// New creates a dispatcher. Pass nil logger for default.
func New(store *settings.Store, exec modem.Executor, persist Persister, broadcast Broadcaster, opts Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		exec:      exec,
		persist:   persist,
		broadcast: broadcast,
		locks:     newTabLocks(),
		opts:      opts,
		logger:    logger.With("component", "dispatcher"),
	}
}

// Greeting returns one settings message per tab in display order.
func (d *Dispatcher) Greeting() []protocol.Outbound {
	names := d.store.Names()
	out := make([]protocol.Outbound, 0, len(names))
	for _, name := range names {
		if tab, ok := d.store.Tab(name); ok {
			out = append(out, protocol.NewSettings(name, tab))
		}
	}
	return out
}

// Handle processes one raw message from peer. Every failure becomes a single
// failed command_result to peer; the session itself is never closed here.
func (d *Dispatcher) Handle(ctx context.Context, peer session.Peer, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		d.fail(peer, "", fmt.Errorf("failed to process message: %w", err))
		return
	}

	kind := env.Kind()
	d.logger.Debug("handling message", "session_id", peer.ID(), "type", kind)

	switch kind {
	case protocol.TypeSettingChange:
		err = d.settingChange(ctx, peer, data)
	case protocol.TypeCreateParameter:
		err = d.createParameter(ctx, peer, data)
	case protocol.TypeCreateTab:
		err = d.createTab(ctx, peer, data)
	case protocol.TypeGetParameter:
		err = d.getParameter(ctx, peer, data)
	case protocol.TypeCustomCommand:
		err = d.customCommand(ctx, peer, data)
	case protocol.ActionUpdateFromFile:
		err = d.updateFromFile(ctx, peer, data)
	default:
		if !d.opts.RejectUnknown {
			d.logger.Debug("ignoring unknown message type", "session_id", peer.ID(), "type", kind)
			return
		}
		err = fmt.Errorf("%w: %q", ErrUnsupported, kind)
	}

	if err != nil {
		d.fail(peer, kind, err)
	}
}

func (d *Dispatcher) settingChange(ctx context.Context, peer session.Peer, data []byte) error {
	var msg protocol.SettingChange
	if err := protocol.Decode(data, &msg); err != nil {
		return err
	}

	unlock := d.locks.lock(d.tabKey(msg.Tab))
	defer unlock()
	if err := d.checkNewTab(msg.Tab); err != nil {
		return err
	}

	v, err := d.store.SetParameter(msg.Tab, msg.Category, msg.Key, *msg.Value)
	if err != nil {
		return err
	}

	res, err := d.run(ctx, modem.Command{
		Action:    modem.ActionSetParameter,
		Tab:       msg.Tab,
		Category:  msg.Category,
		Parameter: msg.Key,
		Value:     &v,
	})
	if err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}

	peer.Send(protocol.Succeeded(res.Message))
	d.commit(ctx, msg.Tab, peer.ID())
	return nil
}

func (d *Dispatcher) createParameter(ctx context.Context, peer session.Peer, data []byte) error {
	var msg protocol.CreateParameter
	if err := protocol.Decode(data, &msg); err != nil {
		return err
	}

	unlock := d.locks.lock(d.tabKey(msg.Tab))
	defer unlock()
	if err := d.checkNewTab(msg.Tab); err != nil {
		return err
	}

	v, err := d.store.CreateParameter(msg.Tab, msg.Category, msg.Key, msg.Initial(), *msg.Meta)
	if err != nil {
		return err
	}

	meta := msg.Meta.Normalize()
	res, err := d.run(ctx, modem.Command{
		Action:       modem.ActionCreateParameter,
		Tab:          msg.Tab,
		Category:     msg.Category,
		Key:          msg.Key,
		Type:         meta.Type,
		InitialValue: &v,
		Meta:         &meta,
	})
	if err != nil {
		return fmt.Errorf("failed to create parameter: %w", err)
	}

	peer.Send(protocol.Succeeded(res.Message))
	d.commit(ctx, msg.Tab, peer.ID())
	return nil
}

func (d *Dispatcher) createTab(ctx context.Context, peer session.Peer, data []byte) error {
	var msg protocol.CreateTab
	if err := protocol.Decode(data, &msg); err != nil {
		return err
	}

	unlock := d.locks.lock(d.tabKey(msg.TabName))
	defer unlock()
	if err := d.checkNewTab(msg.TabName); err != nil {
		return err
	}

	if _, err := d.store.CreateTab(msg.TabName); err != nil {
		return err
	}

	res, err := d.run(ctx, modem.Command{Action: modem.ActionCreateTab, Tab: msg.TabName})
	if err != nil {
		return fmt.Errorf("failed to create tab: %w", err)
	}

	peer.Send(protocol.Succeeded(res.Message))
	// Every session, the creator included, learns about a new tab.
	d.commit(ctx, msg.TabName, "")
	return nil
}

func (d *Dispatcher) getParameter(ctx context.Context, peer session.Peer, data []byte) error {
	var msg protocol.GetParameter
	if err := protocol.Decode(data, &msg); err != nil {
		return err
	}

	cached, _ := d.store.Parameter(msg.Tab, msg.Category, msg.Key)

	res, err := d.run(ctx, modem.Command{
		Action:   modem.ActionGetParameter,
		Tab:      msg.Tab,
		Category: msg.Category,
		Key:      msg.Key,
	})
	if err != nil {
		return fmt.Errorf("failed to get parameter: %w", err)
	}

	value := cached
	if res.Value != nil && res.Value.IsValid() {
		value = *res.Value
	}
	peer.Send(protocol.NewGetParameterResult(msg.Category, msg.Key, value, res.Message))
	return nil
}

func (d *Dispatcher) customCommand(ctx context.Context, peer session.Peer, data []byte) error {
	var msg protocol.CustomCommand
	if err := protocol.Decode(data, &msg); err != nil {
		return err
	}

	res, err := d.run(ctx, modem.Custom(msg.Command))
	if err != nil {
		return fmt.Errorf("failed to execute command: %w", err)
	}

	peer.Send(protocol.Succeeded(res.Message))
	return nil
}

func (d *Dispatcher) updateFromFile(ctx context.Context, peer session.Peer, data []byte) error {
	var msg protocol.UpdateFromFile
	if err := protocol.Decode(data, &msg); err != nil {
		return err
	}

	unlock := d.locks.lockAll()
	defer unlock()

	snap, err := d.persist.LoadSnapshot(ctx, msg.FileName)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if err := d.checkSnapshot(snap); err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	d.store.LoadSnapshot(snap)
	all := d.store.All()
	if err := d.persist.Replace(ctx, all); err != nil {
		d.logger.Error("failed to persist snapshot", "file", msg.FileName, "error", err)
	}

	n := d.broadcast.Broadcast(protocol.NewUploadSettings(all), "")
	d.logger.Info("loaded settings snapshot",
		"session_id", peer.ID(),
		"file", msg.FileName,
		"tabs", len(all.Tabs),
		"sessions", n)
	return nil
}

func (d *Dispatcher) tabKey(name string) string {
	if d.opts.TabKey == nil {
		return name
	}
	return d.opts.TabKey(name)
}

// checkNewTab rejects a tab that does not exist yet but shares its storage
// key with one that does. Callers hold the lock for name's key.
func (d *Dispatcher) checkNewTab(name string) error {
	if d.opts.TabKey == nil {
		return nil
	}
	if _, ok := d.store.Tab(name); ok {
		return nil
	}
	key := d.opts.TabKey(name)
	for _, other := range d.store.Names() {
		if d.opts.TabKey(other) == key {
			return fmt.Errorf("%w: %q and %q", settings.ErrTabNameCollision, name, other)
		}
	}
	return nil
}

func (d *Dispatcher) checkSnapshot(snap settings.Snapshot) error {
	keys := make(map[string]string, len(snap.Tabs))
	for name := range snap.Tabs {
		if err := settings.ValidateTabName(name); err != nil {
			return err
		}
		key := d.tabKey(name)
		if other, ok := keys[key]; ok {
			return fmt.Errorf("%w: %q and %q", settings.ErrTabNameCollision, name, other)
		}
		keys[key] = name
	}
	return nil
}

func (d *Dispatcher) run(ctx context.Context, cmd modem.Command) (modem.Result, error) {
	start := time.Now()
	res, err := modem.Run(ctx, d.exec, cmd, d.opts.Timeout)
	d.logger.Debug("device command finished",
		"command", cmd.Name(),
		"tab", cmd.Tab,
		"duration", time.Since(start),
		"ok", err == nil)
	return res, err
}

// commit persists tab and broadcasts it. Callers hold the tab's lock so
// broadcasts for one tab leave in the order their mutations were applied.
func (d *Dispatcher) commit(ctx context.Context, name, excludeID string) {
	tab, ok := d.store.Tab(name)
	if !ok {
		return
	}
	d.save(ctx, name, tab)
	d.broadcast.Broadcast(protocol.NewSettings(name, tab), excludeID)
}

func (d *Dispatcher) save(ctx context.Context, name string, tab settings.Tab) {
	if err := d.persist.Save(ctx, name, tab); err != nil {
		d.logger.Error("failed to persist tab", "tab", name, "error", err)
	}
}

func (d *Dispatcher) fail(peer session.Peer, kind string, err error) {
	d.logger.Warn("message failed", "session_id", peer.ID(), "type", kind, "error", err)
	peer.Send(protocol.Failed(err.Error()))
}
