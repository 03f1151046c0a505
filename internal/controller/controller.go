// Package controller implements privilege-gated command dispatch over
// private text messages: a `.command args…` line sent directly to the
// client's own session is looked up against a small built-in command table,
// checked against an ordered privilege list, and either executed or handed
// off to a matching plugin by name. It also owns the privilege list itself,
// persisted as `name = Level` lines.
package controller

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"mumblebot/internal/directory"
	"mumblebot/internal/mumbleproto"
	"mumblebot/internal/pluginhost"
)

var logger = log.With("component", "controller")

// Level is a privilege tier, ordered Normal < Authenticated < Admin.
type Level int

const (
	LevelNormal Level = iota
	LevelAuthenticated
	LevelAdmin
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "Normal"
	case LevelAuthenticated:
		return "Authenticated"
	case LevelAdmin:
		return "Admin"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

func parseLevel(s string) (Level, bool) {
	switch s {
	case "Normal":
		return LevelNormal, true
	case "Authenticated":
		return LevelAuthenticated, true
	case "Admin":
		return LevelAdmin, true
	default:
		return 0, false
	}
}

// rateLimit and rateBurst bound how fast any single session can issue
// commands; the command surface is reachable by any TextMessage sender.
const (
	rateLimit = 2 * time.Second
	rateBurst = 3
)

// Replier is the subset of *engine.Engine the Controller needs: sending a
// reply TextMessage back to whoever issued a command.
type Replier interface {
	Send(msg any) error
}

// CommandMessage is the payload queued to a plugin whose name matches a
// command token with no built-in handler.
type CommandMessage struct {
	User *directory.User
	Args []string
}

// Command is one built-in admin command.
type Command struct {
	Name  string
	Level Level
	Run   func(c *Controller, u *directory.User, args []string)
}

// Controller dispatches private `.command` text messages against a
// privilege list and a small built-in command table, falling through to
// PluginHost for anything else.
type Controller struct {
	mu         sync.Mutex
	privileges map[string]Level
	path       string

	limitersMu sync.Mutex
	limiters   map[uint32]*rate.Limiter

	plugins    *pluginhost.Host
	sender     Replier
	commands   map[string]*Command
	loadPlugin func(name string) error
}

// New returns a Controller. privilegeFilePath is where LoadPrivileges/
// SavePrivileges persist the privilege list; loadPlugin is the seam into
// the (out-of-scope) plugin-loading mechanism the built-in "load plugin"
// command drives; pass nil if plugin loading isn't wired up.
func New(sender Replier, plugins *pluginhost.Host, privilegeFilePath string, loadPlugin func(name string) error) *Controller {
	c := &Controller{
		privileges: make(map[string]Level),
		limiters:   make(map[uint32]*rate.Limiter),
		plugins:    plugins,
		sender:     sender,
		path:       privilegeFilePath,
		loadPlugin: loadPlugin,
		commands:   make(map[string]*Command),
	}
	c.commands["load"] = &Command{Name: "load", Level: LevelAdmin, Run: cmdLoad}
	return c
}

// SetSender sets (or replaces) where command replies are sent. It exists
// because the engine that implements Replier is itself constructed with a
// reference to Controller.HandleCommand as a callback, so the two can't
// both be built in one step; callers wire a Controller first with a nil
// sender, build the engine, then call SetSender before traffic flows.
func (c *Controller) SetSender(sender Replier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender = sender
}

// SetPrivilege records an explicit privilege entry, overriding the
// authenticated/normal default GetPrivilege otherwise falls back to.
func (c *Controller) SetPrivilege(name string, level Level) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.privileges[name] = level
}

// GetPrivilege returns u's effective privilege level: an explicit list
// entry if one exists, else Authenticated if u is authenticated, else
// Normal.
func (c *Controller) GetPrivilege(u *directory.User) Level {
	c.mu.Lock()
	level, ok := c.privileges[u.Name]
	c.mu.Unlock()
	if ok {
		return level
	}
	if u.Authenticated {
		return LevelAuthenticated
	}
	return LevelNormal
}

// CheckPrivilege reports whether u satisfies level: Normal always passes;
// Authenticated requires u.Authenticated; Admin requires both
// authentication and an explicit list entry at or above Admin.
func (c *Controller) CheckPrivilege(u *directory.User, level Level) bool {
	switch level {
	case LevelNormal:
		return true
	case LevelAuthenticated:
		return u.Authenticated
	case LevelAdmin:
		if !u.Authenticated {
			return false
		}
		c.mu.Lock()
		entry, ok := c.privileges[u.Name]
		c.mu.Unlock()
		return ok && entry >= LevelAdmin
	default:
		return false
	}
}

// HandleCommand processes one already-addressed, already-dot-stripped
// command line. Its signature matches engine.Handlers.OnTextCommand
// exactly, so it wires in directly as that callback; the engine performs
// the "addressed to my own session" and "starts with '.'" gate before ever
// calling out, so this package only owns dispatch, privilege checking, and
// the plugin fall-through from here down.
func (c *Controller) HandleCommand(actor *directory.User, command string) {
	if actor == nil {
		return
	}
	c.processCommand(actor, command)
}

func (c *Controller) processCommand(u *directory.User, line string) {
	if !c.allow(u.Session) {
		c.reply(u.Session, "rate limit exceeded, please wait before sending another command")
		return
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	name, args := fields[0], fields[1:]

	c.mu.Lock()
	cmd, known := c.commands[name]
	c.mu.Unlock()

	switch {
	case known:
		if !c.CheckPrivilege(u, cmd.Level) {
			c.reply(u.Session, "privilege violation: command '%s' requires at least privilege %s", name, cmd.Level)
			return
		}
		cmd.Run(c, u, args)
	case c.plugins != nil && c.plugins.Has(name):
		c.plugins.QueueTask(name, pluginhost.Event{
			Kind: pluginhost.EventCommandMessage,
			Args: CommandMessage{User: u, Args: args},
		})
	default:
		c.reply(u.Session, "unknown command '%s'", name)
	}
}

func (c *Controller) allow(session uint32) bool {
	c.limitersMu.Lock()
	defer c.limitersMu.Unlock()
	lim, ok := c.limiters[session]
	if !ok {
		lim = rate.NewLimiter(rate.Every(rateLimit), rateBurst)
		c.limiters[session] = lim
	}
	return lim.Allow()
}

func (c *Controller) reply(session uint32, format string, args ...any) {
	msg := &mumbleproto.TextMessage{Sessions: []uint32{session}, Message: fmt.Sprintf(format, args...)}
	if err := c.sender.Send(msg); err != nil {
		logger.Warn("failed to send controller reply", "err", err)
	}
}

func cmdLoad(c *Controller, u *directory.User, args []string) {
	if len(args) < 1 {
		c.reply(u.Session, "please specify what to load: load [plugin|privileges]")
		return
	}
	switch args[0] {
	case "plugin":
		if len(args) < 2 {
			c.reply(u.Session, "please specify the plugin to load: load plugin <plugin>")
			return
		}
		if c.loadPlugin == nil {
			c.reply(u.Session, "plugin loading is not wired up")
			return
		}
		if err := c.loadPlugin(args[1]); err != nil {
			c.reply(u.Session, "failed to load plugin %s: %v", args[1], err)
			return
		}
		c.reply(u.Session, "plugin %s loaded successfully", args[1])
	case "privileges":
		if err := c.ReloadPrivileges(); err != nil {
			c.reply(u.Session, "failed to reload privileges: %v", err)
			return
		}
		c.reply(u.Session, "privileges loaded")
	default:
		c.reply(u.Session, "invalid command 'load %s'", args[0])
	}
}

// LoadPrivileges reads the privilege file (`name = Level` lines, the format
// SavePrivileges writes) and replaces the in-memory table wholesale. A
// missing file loads as empty rather than an error.
func (c *Controller) LoadPrivileges() error {
	f, err := os.Open(c.path)
	if errors.Is(err, os.ErrNotExist) {
		c.mu.Lock()
		c.privileges = make(map[string]Level)
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("controller: open privilege file: %w", err)
	}
	defer f.Close()

	privileges := make(map[string]Level)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		name, levelStr, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		level, ok := parseLevel(strings.TrimSpace(levelStr))
		if !ok {
			continue
		}
		privileges[strings.TrimSpace(name)] = level
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("controller: read privilege file: %w", err)
	}

	c.mu.Lock()
	c.privileges = privileges
	c.mu.Unlock()
	return nil
}

// ReloadPrivileges is the built-in "load privileges" command's
// implementation: clear then reload from disk.
func (c *Controller) ReloadPrivileges() error {
	return c.LoadPrivileges()
}

// SavePrivileges atomically rewrites the privilege file: write to a temp
// file in the same directory, then os.Rename over the real path. A torn
// privilege file grants or revokes admin by accident; the rename makes the
// rewrite all-or-nothing.
func (c *Controller) SavePrivileges() error {
	c.mu.Lock()
	privileges := make(map[string]Level, len(c.privileges))
	for name, level := range c.privileges {
		privileges[name] = level
	}
	c.mu.Unlock()

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".privileges-*.tmp")
	if err != nil {
		return fmt.Errorf("controller: create temp privilege file: %w", err)
	}
	tmpPath := tmp.Name()

	for name, level := range privileges {
		if _, err := fmt.Fprintf(tmp, "%s = %s\n", name, level); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("controller: write temp privilege file: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("controller: close temp privilege file: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("controller: rename temp privilege file: %w", err)
	}
	return nil
}
