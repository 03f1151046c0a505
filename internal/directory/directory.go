// Package directory maintains the client's view of the server's user and
// channel lists from the ChannelState/ChannelRemove/UserState/UserRemove/
// UserStats control messages. Each list sits behind its own mutex; read
// accessors take the lock too rather than relying on a lock-free read path.
package directory

import (
	"net"
	"sync"

	"mumblebot/internal/mumbleproto"
)

// RootChannelID is the channel every user is reparented to when their
// current channel is removed or cannot be resolved.
const RootChannelID = 0

// Channel mirrors one server channel. Parent points to another Channel in
// the same Directory, or is nil for the root (or for a channel whose parent
// hasn't synced yet). Removing the parent does not clear it: the pointer
// stays stale until a later ChannelState names a live parent.
type Channel struct {
	ID          uint32
	Name        string
	Description string
	Parent      *Channel
	Temporary   bool
	Position    int32
}

// User mirrors one connected user.
type User struct {
	Session       uint32
	Name          string
	UserID        uint32
	Authenticated bool
	Mute          bool
	Deaf          bool
	Suppressed    bool
	Recording     bool
	Channel       *Channel
	Address       string // dotted-quad IPv4, empty until a UserStats arrives
}

// Directory holds the users and channels lists, each behind its own mutex,
// per spec: handlers lock before mutation, and read-only accessors take the
// same lock rather than relying on a lock-free read path.
type Directory struct {
	usersMu sync.Mutex
	users   map[uint32]*User

	channelsMu sync.Mutex
	channels   map[uint32]*Channel

	selfSession uint32
	hasSelf     bool

	// OnUserJoined fires for every newly created user other than the
	// client's own session; the seam a PluginHost wires UserJoinedServer
	// fan-out through. Nil is a valid no-op default.
	OnUserJoined func(*User)
}

// New returns an empty Directory.
func New() *Directory {
	return &Directory{
		users:    make(map[uint32]*User),
		channels: make(map[uint32]*Channel),
	}
}

// SetSelfSession records the engine's own session id, so UserState handling
// can skip the UserJoinedServer fan-out for the client's own join.
func (d *Directory) SetSelfSession(session uint32) {
	d.usersMu.Lock()
	defer d.usersMu.Unlock()
	d.selfSession = session
	d.hasSelf = true
}

// UserBySession returns the user with the given session id.
func (d *Directory) UserBySession(session uint32) (*User, bool) {
	d.usersMu.Lock()
	defer d.usersMu.Unlock()
	u, ok := d.users[session]
	return u, ok
}

// UserByName returns the first user whose display name matches.
func (d *Directory) UserByName(name string) (*User, bool) {
	d.usersMu.Lock()
	defer d.usersMu.Unlock()
	for _, u := range d.users {
		if u.Name == name {
			return u, true
		}
	}
	return nil, false
}

// Users returns a snapshot of every connected user.
func (d *Directory) Users() []*User {
	d.usersMu.Lock()
	defer d.usersMu.Unlock()
	out := make([]*User, 0, len(d.users))
	for _, u := range d.users {
		out = append(out, u)
	}
	return out
}

// ChannelByID returns the channel with the given id.
func (d *Directory) ChannelByID(id uint32) (*Channel, bool) {
	d.channelsMu.Lock()
	defer d.channelsMu.Unlock()
	c, ok := d.channels[id]
	return c, ok
}

// Channels returns a snapshot of every known channel.
func (d *Directory) Channels() []*Channel {
	d.channelsMu.Lock()
	defer d.channelsMu.Unlock()
	out := make([]*Channel, 0, len(d.channels))
	for _, c := range d.channels {
		out = append(out, c)
	}
	return out
}

// HandleChannelState applies a ChannelState message. An unknown channel is
// only created when channel_id==0 (the root) or when both a parent and a
// name are supplied and the parent already exists; any other unknown-channel
// update is silently dropped, since the server is expected to resend it once
// the parent has synced. Returns the resulting channel and whether it was
// newly created.
func (d *Directory) HandleChannelState(msg *mumbleproto.ChannelState) (*Channel, bool) {
	d.channelsMu.Lock()
	defer d.channelsMu.Unlock()

	var parent *Channel
	if msg.Parent != nil {
		parent = d.channels[*msg.Parent]
	}

	cn, exists := d.channels[msg.ChannelID]
	created := !exists
	if !exists {
		if !(msg.ChannelID == RootChannelID || (msg.Parent != nil && parent != nil && msg.Name != nil)) {
			return nil, false
		}
		cn = &Channel{ID: msg.ChannelID}
		d.channels[msg.ChannelID] = cn
	}

	if parent != nil {
		cn.Parent = parent
	}
	if msg.Name != nil {
		cn.Name = *msg.Name
	}
	if msg.Description != nil {
		cn.Description = *msg.Description
	}
	if msg.Position != nil {
		cn.Position = *msg.Position
	}
	cn.Temporary = msg.Temporary

	return cn, created
}

// HandleChannelRemove deletes a channel. Removal does not cascade: any user
// still pointing at it, and any channel whose Parent pointed at it, keep
// that stale reference until the next ChannelState/UserState resolves it.
func (d *Directory) HandleChannelRemove(msg *mumbleproto.ChannelRemove) {
	d.channelsMu.Lock()
	defer d.channelsMu.Unlock()
	delete(d.channels, msg.ChannelID)
}

// HandleUserState applies a UserState message. An unknown session requires a
// name to create a user. Mute/SelfMute (and the deaf equivalents) collapse
// into a single flag with self-* applied after, so it takes precedence when
// both are present.
func (d *Directory) HandleUserState(msg *mumbleproto.UserState) (*User, bool) {
	d.usersMu.Lock()
	u, exists := d.users[msg.Session]
	created := !exists
	if created && msg.Name == nil {
		d.usersMu.Unlock()
		return nil, false
	}

	if created {
		u = &User{Session: msg.Session, Name: *msg.Name}
		d.users[msg.Session] = u
	} else if msg.Name != nil {
		u.Name = *msg.Name
	}

	if msg.UserID != nil {
		u.UserID = *msg.UserID
		u.Authenticated = true
	}
	if msg.Mute != nil {
		u.Mute = *msg.Mute
	}
	if msg.SelfMute != nil {
		u.Mute = *msg.SelfMute
	}
	if msg.Deaf != nil {
		u.Deaf = *msg.Deaf
	}
	if msg.SelfDeaf != nil {
		u.Deaf = *msg.SelfDeaf
	}
	if msg.Suppress != nil {
		u.Suppressed = *msg.Suppress
	}
	if msg.Recording != nil {
		u.Recording = *msg.Recording
	}
	d.usersMu.Unlock()

	d.channelsMu.Lock()
	if msg.ChannelID != nil {
		cn := d.channels[*msg.ChannelID]
		if cn == nil {
			cn = d.channels[RootChannelID]
		}
		u.Channel = cn
	} else if created {
		u.Channel = d.channels[RootChannelID]
	}
	d.channelsMu.Unlock()

	if created {
		d.usersMu.Lock()
		self := d.hasSelf && msg.Session == d.selfSession
		d.usersMu.Unlock()
		if !self && d.OnUserJoined != nil {
			d.OnUserJoined(u)
		}
	}

	return u, created
}

// HandleUserRemove deletes a user. A session with no matching user is a
// silent no-op.
func (d *Directory) HandleUserRemove(msg *mumbleproto.UserRemove) {
	d.usersMu.Lock()
	defer d.usersMu.Unlock()
	delete(d.users, msg.Session)
}

// HandleUserStats reduces the advertised (IPv4-mapped) address to a
// dotted-quad string by taking its last 4 bytes. A session with no matching
// user is a no-op; ok reports whether one was found and updated.
func (d *Directory) HandleUserStats(msg *mumbleproto.UserStats) (u *User, ok bool) {
	d.usersMu.Lock()
	defer d.usersMu.Unlock()
	u, ok = d.users[msg.Session]
	if !ok {
		return nil, false
	}
	if addr := addressToDotted(msg.Address); addr != "" {
		u.Address = addr
	}
	return u, true
}

func addressToDotted(raw []byte) string {
	if len(raw) < 4 {
		return ""
	}
	tail := raw[len(raw)-4:]
	return net.IPv4(tail[0], tail[1], tail[2], tail[3]).String()
}
