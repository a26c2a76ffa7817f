package relay

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/visage-chat/visage/signaling"
)

var (
	// ErrUnknownUser is returned when a username is not registered.
	ErrUnknownUser = errors.New("relay: unknown user")

	// ErrBadCredentials is returned when the password hash does not match.
	ErrBadCredentials = errors.New("relay: bad credentials")

	// ErrUsernameTaken is returned when registering a duplicate username.
	ErrUsernameTaken = errors.New("relay: username already taken")
)

// User is one directory record. Users are created on registration and
// never destroyed; only their state changes.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	State        signaling.UserState
}

// Directory holds all registered users, keyed both ways, and persists
// them to a line-oriented text file. It carries no locking of its own:
// the server's coarse mutex guards every call.
type Directory struct {
	byID   map[string]*User
	byName map[string]*User
	path   string
	log    *logrus.Entry
}

// NewDirectory creates a directory backed by the given file, loading
// any existing records. A missing file is not an error.
func NewDirectory(path string) (*Directory, error) {
	d := &Directory{
		byID:   make(map[string]*User),
		byName: make(map[string]*User),
		path:   path,
		log:    logrus.WithField("component", "directory"),
	}
	if err := d.load(); err != nil {
		return nil, err
	}
	return d, nil
}

// Register creates a new user and persists the directory.
func (d *Directory) Register(username, passwordHash string) (*User, error) {
	if _, taken := d.byName[username]; taken {
		return nil, ErrUsernameTaken
	}
	u := &User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		State:        signaling.StateDisconnected,
	}
	d.byID[u.ID] = u
	d.byName[u.Username] = u
	if err := d.save(); err != nil {
		// Keep the in-memory record; persistence retries on next write.
		d.log.WithError(err).Error("failed to persist directory")
	}
	d.log.WithFields(logrus.Fields{
		"user_id":  u.ID,
		"username": u.Username,
	}).Info("registered user")
	return u, nil
}

// Authenticate verifies a username and credential hash.
func (d *Directory) Authenticate(username, passwordHash string) (*User, error) {
	u, ok := d.byName[username]
	if !ok {
		return nil, ErrUnknownUser
	}
	if u.PasswordHash != passwordHash {
		return nil, ErrBadCredentials
	}
	return u, nil
}

// Lookup returns the user with the given id.
func (d *Directory) Lookup(id string) (*User, bool) {
	u, ok := d.byID[id]
	return u, ok
}

// SetState transitions a user's state and reports whether it changed.
func (d *Directory) SetState(id string, state signaling.UserState) bool {
	u, ok := d.byID[id]
	if !ok || u.State == state {
		return false
	}
	u.State = state
	return true
}

// Snapshot returns all users as wire entries.
func (d *Directory) Snapshot() []signaling.UserEntry {
	entries := make([]signaling.UserEntry, 0, len(d.byID))
	for _, u := range d.byID {
		entries = append(entries, signaling.UserEntry{
			UserID:   u.ID,
			Username: u.Username,
			State:    u.State,
		})
	}
	return entries
}

// load reads the directory file. Records are
// username<TAB>user_id<TAB>password_hash, one per line. Blank lines
// and #-comments are skipped; malformed lines are logged and dropped.
func (d *Directory) load() error {
	f, err := os.Open(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open directory file %s: %w", d.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			d.log.WithField("line", line).Warn("skipping malformed directory record")
			continue
		}
		u := &User{
			Username:     fields[0],
			ID:           fields[1],
			PasswordHash: fields[2],
			State:        signaling.StateDisconnected,
		}
		d.byID[u.ID] = u
		d.byName[u.Username] = u
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read directory file %s: %w", d.path, err)
	}
	d.log.WithField("users", len(d.byID)).Info("loaded user directory")
	return nil
}

// save atomically rewrites the directory file: write to a temp file in
// the same directory, then rename over the original.
func (d *Directory) save() error {
	dir := filepath.Dir(d.path)
	tmp, err := os.CreateTemp(dir, ".users-*")
	if err != nil {
		return fmt.Errorf("create temp directory file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	for _, u := range d.byID {
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\n", u.Username, u.ID, u.PasswordHash); err != nil {
			tmp.Close()
			return fmt.Errorf("write directory record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush directory file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp directory file: %w", err)
	}
	if err := os.Rename(tmpName, d.path); err != nil {
		return fmt.Errorf("rename directory file: %w", err)
	}
	return nil
}
