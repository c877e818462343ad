package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"rebelio/engine"
	"rebelio/history"
	"rebelio/models"
)

const testSelfToken = "SELF"

// fakeEngine is an in-memory engine. Inbox batches are drained on fetch; status
// updates and history are returned on every call.
type fakeEngine struct {
	mu sync.Mutex

	status    engine.Status
	statusErr error

	inbox     [][]models.Message
	inboxErr  error
	inboxWait time.Duration

	updates []models.StatusUpdate
	history []history.Record

	sendID  string
	sendErr error
	sent    []string

	contacts      []models.Contact
	addContactErr error
	addedContacts []models.Contact

	markReadCalls [][]string
	trusted       []string
	trustErr      error

	groups       []models.Group
	groupErr     error
	groupSent    []string
	devices      []models.Device
	revoked      []string
	identityJSON string
	importErr    error
	imported     []string

	historyCleared bool
	identityReset  bool
	onClearHistory func()

	fetches       int
	activeFetches int
	maxActive     int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		status: engine.Status{
			IsRegistered: true,
			Username:     "alice",
			ServerURL:    "https://relay.example",
			RoutingToken: testSelfToken,
		},
	}
}

func (f *fakeEngine) Status(context.Context) (engine.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *fakeEngine) Register(_ context.Context, username, serverURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = engine.Status{IsRegistered: true, Username: username, ServerURL: serverURL, RoutingToken: testSelfToken}
	return testSelfToken, nil
}

func (f *fakeEngine) FetchInbox(context.Context) ([]models.Message, error) {
	f.mu.Lock()
	f.fetches++
	f.activeFetches++
	if f.activeFetches > f.maxActive {
		f.maxActive = f.activeFetches
	}
	wait := f.inboxWait
	f.mu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeFetches--
	if f.inboxErr != nil {
		return nil, f.inboxErr
	}
	if len(f.inbox) == 0 {
		return nil, nil
	}
	batch := f.inbox[0]
	f.inbox = f.inbox[1:]
	return batch, nil
}

func (f *fakeEngine) FetchSentStatusUpdates(context.Context) ([]models.StatusUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.StatusUpdate(nil), f.updates...), nil
}

func (f *fakeEngine) HistoryRecords(context.Context) ([]history.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]history.Record(nil), f.history...), nil
}

func (f *fakeEngine) Send(_ context.Context, recipientToken, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, recipientToken+":"+text)
	return f.sendID, nil
}

func (f *fakeEngine) LoadContacts(context.Context) ([]models.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Contact(nil), f.contacts...), nil
}

func (f *fakeEngine) AddContact(_ context.Context, nickname, routingToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addContactErr != nil {
		return f.addContactErr
	}
	contact := models.Contact{Nickname: nickname, RoutingToken: routingToken}
	f.addedContacts = append(f.addedContacts, contact)
	f.contacts = append(f.contacts, contact)
	return nil
}

func (f *fakeEngine) RemoveContact(_ context.Context, nickname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.contacts[:0]
	for _, contact := range f.contacts {
		if contact.Nickname != nickname {
			kept = append(kept, contact)
		}
	}
	f.contacts = kept
	return nil
}

func (f *fakeEngine) MarkRead(_ context.Context, messageIDs []string, selfToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if selfToken != testSelfToken {
		return nil
	}
	f.markReadCalls = append(f.markReadCalls, append([]string(nil), messageIDs...))
	return nil
}

func (f *fakeEngine) TrustIdentity(_ context.Context, contactID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trustErr != nil {
		return f.trustErr
	}
	f.trusted = append(f.trusted, contactID)
	return nil
}

func (f *fakeEngine) LoadGroups(context.Context) ([]models.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Group, 0, len(f.groups))
	for _, group := range f.groups {
		out = append(out, group.Clone())
	}
	return out, nil
}

func (f *fakeEngine) CreateGroup(_ context.Context, name string, members []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groupErr != nil {
		return "", f.groupErr
	}
	id := fmt.Sprintf("G%d", len(f.groups)+1)
	f.groups = append(f.groups, models.Group{ID: id, Name: name, Members: append([]string(nil), members...)})
	return id, nil
}

func (f *fakeEngine) AddGroupMembers(_ context.Context, groupID string, members []string) error {
	return f.updateGroup(groupID, func(group *models.Group) {
		for _, member := range members {
			if !group.HasMember(member) {
				group.Members = append(group.Members, member)
			}
		}
	})
}

func (f *fakeEngine) RemoveGroupMembers(_ context.Context, groupID string, members []string) error {
	return f.updateGroup(groupID, func(group *models.Group) {
		kept := group.Members[:0]
		for _, member := range group.Members {
			if !slices.Contains(members, member) {
				kept = append(kept, member)
			}
		}
		group.Members = kept
	})
}

func (f *fakeEngine) updateGroup(groupID string, fn func(*models.Group)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groupErr != nil {
		return f.groupErr
	}
	for i := range f.groups {
		if f.groups[i].ID == groupID {
			fn(&f.groups[i])
			return nil
		}
	}
	return fmt.Errorf("group %s not found", groupID)
}

func (f *fakeEngine) LeaveGroup(_ context.Context, groupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groupErr != nil {
		return f.groupErr
	}
	kept := f.groups[:0]
	for _, group := range f.groups {
		if group.ID != groupID {
			kept = append(kept, group)
		}
	}
	f.groups = kept
	return nil
}

func (f *fakeEngine) SendGroupMessage(_ context.Context, groupID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.groupSent = append(f.groupSent, groupID+":"+text)
	return f.sendID, nil
}

func (f *fakeEngine) ListDevices(context.Context) ([]models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Device(nil), f.devices...), nil
}

func (f *fakeEngine) RevokeDevice(_ context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.devices[:0]
	found := false
	for _, device := range f.devices {
		if device.ID == deviceID {
			found = true
			continue
		}
		kept = append(kept, device)
	}
	if !found {
		return fmt.Errorf("device %s not found", deviceID)
	}
	f.devices = kept
	f.revoked = append(f.revoked, deviceID)
	return nil
}

func (f *fakeEngine) ExportIdentity(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.status.IsRegistered {
		return "", errors.New("no identity")
	}
	return f.identityJSON, nil
}

func (f *fakeEngine) ImportIdentity(_ context.Context, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.importErr != nil {
		return f.importErr
	}
	f.imported = append(f.imported, data)
	f.status = engine.Status{IsRegistered: true, Username: "imported", ServerURL: "https://relay.example", RoutingToken: testSelfToken}
	return nil
}

func (f *fakeEngine) ClearHistory(context.Context) error {
	f.mu.Lock()
	hook := f.onClearHistory
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCleared = true
	f.history = nil
	return nil
}

func (f *fakeEngine) ResetIdentity(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identityReset = true
	f.status = engine.Status{}
	return nil
}

func (f *fakeEngine) queueInbox(batch ...models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = append(f.inbox, batch)
}

func (f *fakeEngine) with(fn func(f *fakeEngine)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func newTestSession(t *testing.T, fake *fakeEngine, configure func(*Options)) *Session {
	t.Helper()

	options := Options{
		Engine:          fake,
		Logger:          zerolog.Nop(),
		PollInterval:    time.Hour,
		SendSettleDelay: -1,
	}
	if configure != nil {
		configure(&options)
	}
	sess, err := New(options)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(sess.Close)
	return sess
}

// newRegisteredSession returns a session that has completed Refresh.
func newRegisteredSession(t *testing.T, fake *fakeEngine, configure func(*Options)) *Session {
	t.Helper()

	sess := newTestSession(t, fake, configure)
	if err := sess.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return sess
}

func syncNow(t *testing.T, sess *Session) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sess.SyncNow(ctx); err != nil {
		t.Fatalf("sync now: %v", err)
	}
}

func incoming(id, sender, content string, timestamp int64) models.Message {
	return models.Message{ID: id, Sender: sender, Content: content, Timestamp: timestamp, IsEncrypted: true}
}

func findMessage(messages []models.Message, id string) (models.Message, bool) {
	for _, message := range messages {
		if message.ID == id {
			return message, true
		}
	}
	return models.Message{}, false
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}
