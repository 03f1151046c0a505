package controller

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mumblebot/internal/directory"
	"mumblebot/internal/mumbleproto"
	"mumblebot/internal/pluginhost"
)

type fakeReplier struct {
	mu  sync.Mutex
	got []*mumbleproto.TextMessage
}

func (f *fakeReplier) Send(msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, msg.(*mumbleproto.TextMessage))
	return nil
}

func (f *fakeReplier) last() *mumbleproto.TextMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.got) == 0 {
		return nil
	}
	return f.got[len(f.got)-1]
}

func (f *fakeReplier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestHandleCommandRejectsUnprivilegedAdminCommand(t *testing.T) {
	r := &fakeReplier{}
	c := New(r, nil, "", nil)
	u := &directory.User{Session: 5, Name: "alice", Authenticated: true}

	c.HandleCommand(u, "load plugin foo")
	require.Equal(t, 1, r.count())
	assert.Contains(t, r.last().Message, "privilege violation")
}

func TestHandleCommandRunsAdminCommandForPrivilegedUser(t *testing.T) {
	r := &fakeReplier{}
	var loadedWith string
	c := New(r, nil, "", func(name string) error {
		loadedWith = name
		return nil
	})
	u := &directory.User{Session: 5, Name: "admin", Authenticated: true}
	c.SetPrivilege("admin", LevelAdmin)

	c.HandleCommand(u, "load plugin greeter")
	assert.Equal(t, "greeter", loadedWith)
	require.Equal(t, 1, r.count())
	assert.Contains(t, r.last().Message, "loaded successfully")
}

func TestHandleCommandReloadsPrivilegesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "privileges.txt")

	r := &fakeReplier{}
	c := New(r, nil, path, nil)
	u := &directory.User{Session: 5, Name: "admin", Authenticated: true}
	c.SetPrivilege("admin", LevelAdmin)
	require.NoError(t, c.SavePrivileges())

	c.HandleCommand(u, "load privileges")
	require.Equal(t, 1, r.count())
	assert.Contains(t, r.last().Message, "privileges loaded")
	// reloading re-reads admin's own entry from the file it was just saved to
	assert.Equal(t, LevelAdmin, c.GetPrivilege(u))
}

func TestUnknownCommandMatchingPluginNameFansOut(t *testing.T) {
	r := &fakeReplier{}
	h := pluginhost.New(-1)
	defer h.Close()

	p := &recordingPlugin{name: "weather"}
	h.Load(p)

	c := New(r, h, "", nil)
	u := &directory.User{Session: 5, Name: "alice"}

	c.HandleCommand(u, "weather paris")

	require.Eventually(t, func() bool { return p.count() == 1 }, time.Second, time.Millisecond)
	cm := p.last().Args.(CommandMessage)
	assert.Equal(t, []string{"paris"}, cm.Args)
	assert.Equal(t, 0, r.count())
}

func TestUnknownCommandWithNoMatchingPluginReplies(t *testing.T) {
	r := &fakeReplier{}
	c := New(r, nil, "", nil)
	u := &directory.User{Session: 5, Name: "alice"}

	c.HandleCommand(u, "nonexistent")
	require.Equal(t, 1, r.count())
	assert.Contains(t, r.last().Message, "unknown command")
}

func TestHandleCommandEmptyLineIsNoop(t *testing.T) {
	r := &fakeReplier{}
	c := New(r, nil, "", nil)
	u := &directory.User{Session: 5, Name: "alice"}

	c.HandleCommand(u, "   ")
	assert.Equal(t, 0, r.count())
}

func TestGetPrivilegeDefaultsToNormalThenAuthenticated(t *testing.T) {
	c := New(&fakeReplier{}, nil, "", nil)
	anon := &directory.User{Session: 1, Name: "anon"}
	assert.Equal(t, LevelNormal, c.GetPrivilege(anon))

	auth := &directory.User{Session: 2, Name: "auth", Authenticated: true}
	assert.Equal(t, LevelAuthenticated, c.GetPrivilege(auth))

	c.SetPrivilege("auth", LevelAdmin)
	assert.Equal(t, LevelAdmin, c.GetPrivilege(auth))
}

func TestCheckPrivilegeAdminRequiresAuthenticationAndListEntry(t *testing.T) {
	c := New(&fakeReplier{}, nil, "", nil)
	u := &directory.User{Session: 1, Name: "bob", Authenticated: true}

	assert.False(t, c.CheckPrivilege(u, LevelAdmin))
	c.SetPrivilege("bob", LevelAdmin)
	assert.True(t, c.CheckPrivilege(u, LevelAdmin))

	u.Authenticated = false
	assert.False(t, c.CheckPrivilege(u, LevelAdmin))
}

func TestRateLimitBlocksBurstOverflow(t *testing.T) {
	r := &fakeReplier{}
	c := New(r, nil, "", nil)
	u := &directory.User{Session: 9, Name: "spammer"}

	for i := 0; i < rateBurst; i++ {
		c.HandleCommand(u, "nonexistent")
	}
	before := r.count()
	c.HandleCommand(u, "nonexistent")
	require.Equal(t, before+1, r.count())
	assert.Contains(t, r.last().Message, "rate limit")
}

func TestSaveAndLoadPrivilegesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "privileges.txt")

	c := New(&fakeReplier{}, nil, path, nil)
	c.SetPrivilege("alice", LevelAdmin)
	c.SetPrivilege("bob", LevelAuthenticated)
	require.NoError(t, c.SavePrivileges())

	c2 := New(&fakeReplier{}, nil, path, nil)
	require.NoError(t, c2.LoadPrivileges())

	assert.Equal(t, LevelAdmin, c2.GetPrivilege(&directory.User{Name: "alice", Authenticated: true}))
	assert.Equal(t, LevelAuthenticated, c2.GetPrivilege(&directory.User{Name: "bob", Authenticated: true}))
}

func TestLoadPrivilegesMissingFileIsEmptyNotError(t *testing.T) {
	c := New(&fakeReplier{}, nil, filepath.Join(t.TempDir(), "missing.txt"), nil)
	require.NoError(t, c.LoadPrivileges())
	assert.Equal(t, LevelNormal, c.GetPrivilege(&directory.User{Name: "nobody"}))
}

type recordingPlugin struct {
	name string

	mu       sync.Mutex
	received []pluginhost.Event
}

func (p *recordingPlugin) Name() string { return p.name }
func (p *recordingPlugin) Handle(ev pluginhost.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, ev)
}

func (p *recordingPlugin) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.received)
}

func (p *recordingPlugin) last() pluginhost.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.received[len(p.received)-1]
}
