package commands

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"racebot/internal/eventbus"
	"racebot/internal/race"
	"racebot/internal/reminder"
	"racebot/internal/storage"
	kit "racebot/internal/transport"
	logx "racebot/pkg/logx"
)

// handlerTimeout bounds a single command execution.
const handlerTimeout = 10 * time.Second

type Handler func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Description string
	Usage       string
	OwnerOnly   bool
	Handle      Handler
}

type Request struct {
	Msg  kit.Message
	Chat kit.ChatTarget
	Args string // raw text after the command token
}

// Deps are the collaborators command handlers act on.
type Deps struct {
	Adapter  kit.Adapter
	Store    storage.Store
	Tracker  *reminder.Tracker
	Clock    race.Clock
	Location *time.Location
	Bus      eventbus.Bus
	Log      logx.Logger
}

// Manager routes chat messages to command handlers.
type Manager struct {
	deps Deps
	log  logx.Logger

	ownersMu sync.RWMutex
	owners   []int64

	cmds  map[string]Command
	order []string
}

func NewManager(deps Deps, owners []int64) *Manager {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	m := &Manager{
		deps:   deps,
		log:    deps.Log,
		owners: append([]int64(nil), owners...),
		cmds:   map[string]Command{},
	}
	m.registerAll()
	return m
}

func (m *Manager) register(c Command) {
	m.cmds[c.Name] = c
	m.order = append(m.order, c.Name)
}

// SetOwners replaces the owner allowlist (config hot reload).
func (m *Manager) SetOwners(owners []int64) {
	m.ownersMu.Lock()
	m.owners = append([]int64(nil), owners...)
	m.ownersMu.Unlock()
}

// MenuCommands returns the bot command menu entries in registration order.
func (m *Manager) MenuCommands() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(m.order))
	for _, name := range m.order {
		c := m.cmds[name]
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// DispatchLoop consumes adapter updates until ctx is canceled.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Message == nil {
				continue
			}
			m.handleMessage(ctx, *up.Message)
		}
	}
}

func (m *Manager) handleMessage(ctx context.Context, msg kit.Message) {
	name, args, ok := splitCommand(msg.Text)
	if !ok {
		return
	}
	cmd, known := m.cmds[name]
	if !known {
		return
	}

	req := &Request{
		Msg:  msg,
		Chat: kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		Args: args,
	}

	if cmd.OwnerOnly && !m.isOwner(msg.FromID) {
		m.reply(ctx, req, "⛔ This command is restricted.")
		return
	}

	hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command handler",
				logx.String("cmd", name), logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			m.reply(ctx, req, "Something went wrong.")
		}
	}()

	start := time.Now()
	err := cmd.Handle(hctx, req)
	if err != nil {
		m.log.Warn("command failed",
			logx.String("cmd", name), logx.Int64("from", msg.FromID), logx.Err(err))
		return
	}
	m.log.Debug("command handled",
		logx.String("cmd", name), logx.Int64("from", msg.FromID),
		logx.Duration("took", time.Since(start)))
}

func (m *Manager) isOwner(userID int64) bool {
	m.ownersMu.RLock()
	defer m.ownersMu.RUnlock()
	// Empty allowlist means open access.
	if len(m.owners) == 0 {
		return true
	}
	for _, id := range m.owners {
		if id == userID {
			return true
		}
	}
	return false
}

func (m *Manager) reply(ctx context.Context, req *Request, text string) {
	_, err := m.deps.Adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
	})
	if err != nil {
		m.log.Warn("reply failed", logx.Int64("chat", req.Chat.ChatID), logx.Err(err))
	}
}

// splitCommand extracts "/name args..." from a message, tolerating the
// "/name@BotName" form Telegram uses in groups.
func splitCommand(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	rest := text[1:]
	var tok string
	if i := strings.IndexAny(rest, " \n\t"); i >= 0 {
		tok, args = rest[:i], strings.TrimSpace(rest[i+1:])
	} else {
		tok = rest
	}
	if at := strings.Index(tok, "@"); at >= 0 {
		tok = tok[:at]
	}
	tok = strings.ToLower(tok)
	if tok == "" {
		return "", "", false
	}
	return tok, args, true
}
