package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rebelio/engine"
	"rebelio/history"
	"rebelio/models"
)

func TestUnreadCountsAndNotificationsForNewSender(t *testing.T) {
	fake := newFakeEngine()
	sess := newRegisteredSession(t, fake, nil)

	fake.queueInbox(
		incoming("m1", "T1", "one", 10),
		incoming("m2", "T1", "two", 20),
		incoming("m3", "T1", "three", 30),
	)
	syncNow(t, sess)

	state := sess.State()
	if state.UnreadCounts["T1"] != 3 {
		t.Fatalf("expected 3 unread for T1, got %d", state.UnreadCounts["T1"])
	}
	if got := len(sess.Notifications()); got != 3 {
		t.Fatalf("expected 3 notifications, got %d", got)
	}
	if len(state.Messages) != 3 {
		t.Fatalf("expected 3 messages in timeline, got %d", len(state.Messages))
	}
}

func TestViewingContactSuppressesNotificationsButCounts(t *testing.T) {
	fake := newFakeEngine()
	sess := newRegisteredSession(t, fake, nil)
	sess.SetViewingContact("T1")

	fake.queueInbox(incoming("m1", "T1", "one", 10), incoming("m2", "T1", "two", 20))
	syncNow(t, sess)

	if got := len(sess.Notifications()); got != 0 {
		t.Fatalf("expected no notifications while viewing, got %d", got)
	}
	if got := sess.State().UnreadCounts["T1"]; got != 2 {
		t.Fatalf("expected 2 unread for T1, got %d", got)
	}

	sess.SetViewingContact("")
	fake.queueInbox(incoming("m3", "T1", "three", 30))
	syncNow(t, sess)
	if got := len(sess.Notifications()); got != 1 {
		t.Fatalf("expected 1 notification after closing conversation, got %d", got)
	}
}

func TestRedeliveredInboxMessageCountsOnce(t *testing.T) {
	fake := newFakeEngine()
	sess := newRegisteredSession(t, fake, nil)

	fake.queueInbox(incoming("m1", "T1", "one", 10))
	syncNow(t, sess)
	fake.queueInbox(incoming("m1", "T1", "one", 10))
	syncNow(t, sess)

	if got := sess.State().UnreadCounts["T1"]; got != 1 {
		t.Fatalf("expected 1 unread after redelivery, got %d", got)
	}
	if got := len(sess.Notifications()); got != 1 {
		t.Fatalf("expected 1 notification after redelivery, got %d", got)
	}
}

func TestSelfSenderInInboxIsNotCounted(t *testing.T) {
	fake := newFakeEngine()
	sess := newRegisteredSession(t, fake, nil)

	fake.queueInbox(incoming("m1", models.SelfSender, "echo", 10))
	syncNow(t, sess)

	state := sess.State()
	if len(state.UnreadCounts) != 0 {
		t.Fatalf("expected no unread counts, got %v", state.UnreadCounts)
	}
	if len(state.Contacts) != 0 {
		t.Fatalf("expected no provisioned contacts, got %v", state.Contacts)
	}
}

func TestNotificationsBeyondBufferAreDelivered(t *testing.T) {
	fake := newFakeEngine()
	sess := newRegisteredSession(t, fake, func(options *Options) { options.NotificationBuffer = 1 })

	fake.queueInbox(incoming("m1", "T1", "one", 10), incoming("m2", "T1", "two", 20), incoming("m3", "T1", "three", 30))
	syncNow(t, sess)

	if got := sess.State().UnreadCounts["T1"]; got != 3 {
		t.Fatalf("expected 3 unread, got %d", got)
	}
	for _, want := range []string{"m1", "m2", "m3"} {
		select {
		case message := <-sess.Notifications():
			if message.ID != want {
				t.Fatalf("expected notification %s, got %s", want, message.ID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("expected notification %s", want)
		}
	}
	select {
	case message := <-sess.Notifications():
		t.Fatalf("unexpected extra notification %s", message.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnknownSenderIsProvisionedOnce(t *testing.T) {
	fake := newFakeEngine()
	sess := newRegisteredSession(t, fake, nil)

	fake.queueInbox(incoming("m1", "T1", "one", 10))
	syncNow(t, sess)
	fake.queueInbox(incoming("m2", "T1", "two", 20))
	syncNow(t, sess)

	matches := 0
	for _, contact := range sess.State().Contacts {
		if contact.RoutingToken == "T1" {
			matches++
			if contact.Nickname != "User-T1" {
				t.Fatalf("expected nickname User-T1, got %q", contact.Nickname)
			}
		}
	}
	if matches != 1 {
		t.Fatalf("expected exactly one contact for T1, got %d", matches)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		count := 0
		fake.with(func(f *fakeEngine) { count = len(f.addedContacts) })
		return count == 1
	})
}

func TestProvisionedNicknameUsesTokenPrefix(t *testing.T) {
	if got := ProvisionedNickname("0123456789abcdef", 8); got != "User-01234567" {
		t.Fatalf("unexpected nickname %q", got)
	}
	if got := ProvisionedNickname("abc", 8); got != "User-abc" {
		t.Fatalf("unexpected nickname for short token %q", got)
	}
}

func TestKnownContactByNicknameIsNotProvisioned(t *testing.T) {
	fake := newFakeEngine()
	fake.contacts = []models.Contact{{Nickname: "bob", RoutingToken: "B"}}
	sess := newRegisteredSession(t, fake, nil)

	fake.queueInbox(incoming("m1", "bob", "hey", 10), incoming("m2", "B", "hey again", 20))
	syncNow(t, sess)

	if got := len(sess.State().Contacts); got != 1 {
		t.Fatalf("expected contact list unchanged, got %d contacts", got)
	}
}

func TestProvisioningFailureKeepsInMemoryContact(t *testing.T) {
	fake := newFakeEngine()
	fake.addContactErr = errors.New("disk full")
	sess := newRegisteredSession(t, fake, nil)

	fake.queueInbox(incoming("m1", "T9", "hi", 10))
	syncNow(t, sess)

	contacts := sess.State().Contacts
	if len(contacts) != 1 || contacts[0].RoutingToken != "T9" {
		t.Fatalf("expected in-memory contact for T9, got %v", contacts)
	}
	if sess.State().Error != "" {
		t.Fatalf("provisioning failure must not surface, got %q", sess.State().Error)
	}
}

func TestHistoryStatusReconciledToRead(t *testing.T) {
	fake := newFakeEngine()
	fake.history = []history.Record{
		{ID: "1", Sender: "SELF", Content: "hi", Timestamp: 100, Outgoing: true, Status: "sent"},
	}
	fake.updates = []models.StatusUpdate{{MessageID: "1", Status: models.StatusRead}}
	sess := newRegisteredSession(t, fake, nil)
	syncNow(t, sess)

	message, ok := findMessage(sess.State().Messages, "1")
	if !ok {
		t.Fatalf("expected message 1 in snapshot")
	}
	if message.Status != models.StatusRead {
		t.Fatalf("expected status read, got %q", message.Status)
	}
	if message.Sender != models.SelfSender {
		t.Fatalf("expected self sender, got %q", message.Sender)
	}
}

func TestMonotonicStatusRejectsRegression(t *testing.T) {
	fake := newFakeEngine()
	fake.history = []history.Record{
		{ID: "1", Content: "hi", Timestamp: 100, Outgoing: true, Status: "delivered"},
	}
	fake.updates = []models.StatusUpdate{{MessageID: "1", Status: models.StatusSent}}
	sess := newRegisteredSession(t, fake, func(options *Options) { options.MonotonicStatus = true })
	syncNow(t, sess)

	message, _ := findMessage(sess.State().Messages, "1")
	if message.Status != models.StatusDelivered {
		t.Fatalf("expected delivered to be kept, got %q", message.Status)
	}
}

func TestHistoryIsRehydratedOncePerProcess(t *testing.T) {
	fake := newFakeEngine()
	fake.history = []history.Record{{ID: "h1", Sender: "T1", Content: "old", Timestamp: 5}}
	sess := newRegisteredSession(t, fake, nil)

	fake.with(func(f *fakeEngine) {
		f.history = append(f.history, history.Record{ID: "h2", Sender: "T1", Content: "newer", Timestamp: 6})
	})
	if err := sess.Refresh(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}

	messages := sess.State().Messages
	if _, ok := findMessage(messages, "h1"); !ok {
		t.Fatalf("expected h1 from first rehydration")
	}
	if _, ok := findMessage(messages, "h2"); ok {
		t.Fatalf("history must not be re-read on a second refresh")
	}
	if got := len(sess.Notifications()); got != 0 {
		t.Fatalf("rehydrated history must not notify, got %d", got)
	}
}

func TestSendRecoversIDFromHistory(t *testing.T) {
	fake := newFakeEngine()
	sess := newRegisteredSession(t, fake, nil)

	fake.with(func(f *fakeEngine) {
		f.history = []history.Record{
			{ID: "srv-41", Content: "earlier", Timestamp: 100, Outgoing: true, Status: "delivered"},
			{ID: "srv-42", Content: "hello", Timestamp: 200, Outgoing: true, Status: "sent"},
		}
	})
	if err := sess.SendMessage(context.Background(), "T2", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}

	hellos := 0
	for _, message := range sess.State().Messages {
		if message.Content == "hello" {
			hellos++
			if message.ID != "srv-42" {
				t.Fatalf("expected id srv-42, got %q", message.ID)
			}
		}
	}
	if hellos != 1 {
		t.Fatalf("expected one sent entry, got %d", hellos)
	}
}

func TestSendUsesEngineAssignedID(t *testing.T) {
	fake := newFakeEngine()
	fake.sendID = "srv-7"
	sess := newRegisteredSession(t, fake, nil)

	if err := sess.SendMessage(context.Background(), "T2", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	message, ok := findMessage(sess.State().Messages, "srv-7")
	if !ok {
		t.Fatalf("expected engine id srv-7 in snapshot")
	}
	if message.Sender != "me:T2" || message.Status != models.StatusSent {
		t.Fatalf("unexpected sent message %+v", message)
	}
}

func TestSendFallsBackToLocalID(t *testing.T) {
	fake := newFakeEngine()
	now := time.UnixMilli(1_700_000_000_000)
	sess := newRegisteredSession(t, fake, func(options *Options) {
		options.Now = func() time.Time { return now }
	})

	if err := sess.SendMessage(context.Background(), "T2", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	message, ok := findMessage(sess.State().Messages, "1700000000000")
	if !ok {
		t.Fatalf("expected fallback id in snapshot, got %v", sess.State().Messages)
	}
	if message.Sender != "me:T2" {
		t.Fatalf("expected fallback sender me:T2, got %q", message.Sender)
	}
	if message.Timestamp != 1_700_000_000 {
		t.Fatalf("expected timestamp in unix seconds, got %d", message.Timestamp)
	}
}

func TestSentMessageOrdersAgainstLaterReply(t *testing.T) {
	fake := newFakeEngine()
	fake.sendID = "srv-1"
	now := time.Unix(1_700_000_000, 0)
	sess := newRegisteredSession(t, fake, func(options *Options) {
		options.Now = func() time.Time { return now }
	})

	if err := sess.SendMessage(context.Background(), "T2", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	fake.queueInbox(incoming("r1", "T2", "hi back", 1_700_000_060))
	syncNow(t, sess)

	messages := sess.State().Messages
	if len(messages) != 2 || messages[0].ID != "srv-1" || messages[1].ID != "r1" {
		t.Fatalf("expected send before later reply, got %+v", messages)
	}
	if messages[0].Timestamp != 1_700_000_000 {
		t.Fatalf("expected sent timestamp in unix seconds, got %d", messages[0].Timestamp)
	}
}

func TestSendContentMismatchFallsBack(t *testing.T) {
	fake := newFakeEngine()
	sess := newRegisteredSession(t, fake, nil)
	fake.with(func(f *fakeEngine) {
		f.history = []history.Record{{ID: "srv-1", Content: "something else", Timestamp: 100, Outgoing: true}}
	})

	if err := sess.SendMessage(context.Background(), "T2", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, ok := findMessage(sess.State().Messages, "srv-1"); ok {
		t.Fatalf("mismatched history entry must not be adopted")
	}
}

func TestSendFailureSetsError(t *testing.T) {
	fake := newFakeEngine()
	fake.sendErr = errors.New("relay unreachable")
	sess := newRegisteredSession(t, fake, nil)

	if err := sess.SendMessage(context.Background(), "T2", "hello"); err == nil {
		t.Fatalf("expected send error")
	}
	state := sess.State()
	if !strings.Contains(state.Error, "relay unreachable") {
		t.Fatalf("expected error surfaced, got %q", state.Error)
	}
	if state.Loading {
		t.Fatalf("expected loading cleared")
	}

	sess.ClearError()
	if sess.State().Error != "" {
		t.Fatalf("expected error cleared")
	}
}

func TestSendIdentityErrorRaisesAlert(t *testing.T) {
	fake := newFakeEngine()
	fake.contacts = []models.Contact{{Nickname: "dora", RoutingToken: "T4"}}
	fake.sendErr = errors.New("Send failed: Untrusted identity")
	sess := newRegisteredSession(t, fake, nil)

	err := sess.SendMessage(context.Background(), "T4", "hello")
	if !errors.Is(err, engine.ErrIdentityChanged) {
		t.Fatalf("expected identity error, got %v", err)
	}
	state := sess.State()
	if state.IdentityChangeAlert == nil || state.IdentityChangeAlert.ContactID != "T4" {
		t.Fatalf("expected alert for T4, got %+v", state.IdentityChangeAlert)
	}
	if state.IdentityChangeAlert.ContactName != "dora" {
		t.Fatalf("expected contact name dora, got %q", state.IdentityChangeAlert.ContactName)
	}
	if state.Error != "" {
		t.Fatalf("identity error must not surface as generic error, got %q", state.Error)
	}
}

func TestInboxIdentityErrorRaisesAlert(t *testing.T) {
	for _, inboxErr := range []error{
		errors.New("fetch failed: untrusted identity for T3"),
		&engine.IdentityChangedError{ContactID: "T3"},
	} {
		fake := newFakeEngine()
		fake.inboxErr = inboxErr
		sess := newRegisteredSession(t, fake, nil)
		syncNow(t, sess)

		state := sess.State()
		if state.IdentityChangeAlert == nil || state.IdentityChangeAlert.ContactID != "T3" {
			t.Fatalf("expected alert for T3 from %v, got %+v", inboxErr, state.IdentityChangeAlert)
		}
		if state.IdentityChangeAlert.ContactName != "Unknown" {
			t.Fatalf("expected Unknown contact name, got %q", state.IdentityChangeAlert.ContactName)
		}
		if len(state.Messages) != 0 {
			t.Fatalf("expected no timeline entries, got %d", len(state.Messages))
		}
		if state.Error != "" {
			t.Fatalf("expected no generic error, got %q", state.Error)
		}
	}
}

func TestFirstIdentityAlertIsKept(t *testing.T) {
	fake := newFakeEngine()
	fake.inboxErr = errors.New("untrusted identity: T3")
	sess := newRegisteredSession(t, fake, nil)
	syncNow(t, sess)

	fake.with(func(f *fakeEngine) { f.sendErr = errors.New("untrusted identity") })
	_ = sess.SendMessage(context.Background(), "T4", "hello")

	if alert := sess.State().IdentityChangeAlert; alert == nil || alert.ContactID != "T3" {
		t.Fatalf("expected first alert for T3 kept, got %+v", alert)
	}
}

func TestTrustNewIdentityClearsAlert(t *testing.T) {
	fake := newFakeEngine()
	fake.inboxErr = errors.New("untrusted identity for T3")
	sess := newRegisteredSession(t, fake, nil)
	syncNow(t, sess)

	if err := sess.TrustNewIdentity(context.Background(), "T3"); err != nil {
		t.Fatalf("trust: %v", err)
	}
	if sess.State().IdentityChangeAlert != nil {
		t.Fatalf("expected alert cleared")
	}
	fake.with(func(f *fakeEngine) {
		if len(f.trusted) != 1 || f.trusted[0] != "T3" {
			t.Fatalf("expected T3 trusted, got %v", f.trusted)
		}
	})
}

func TestTrustFailureClearsAlertAndSurfaces(t *testing.T) {
	fake := newFakeEngine()
	fake.inboxErr = errors.New("untrusted identity for T3")
	fake.trustErr = errors.New("keystore locked")
	sess := newRegisteredSession(t, fake, nil)
	syncNow(t, sess)

	if err := sess.TrustNewIdentity(context.Background(), "T3"); err == nil {
		t.Fatalf("expected trust error")
	}
	state := sess.State()
	if state.IdentityChangeAlert != nil {
		t.Fatalf("expected alert cleared after failed trust")
	}
	if !strings.Contains(state.Error, "keystore locked") {
		t.Fatalf("expected trust failure surfaced, got %q", state.Error)
	}
}

func TestDismissIdentityChangeAlert(t *testing.T) {
	fake := newFakeEngine()
	fake.inboxErr = errors.New("untrusted identity for T3")
	sess := newRegisteredSession(t, fake, nil)
	syncNow(t, sess)

	sess.DismissIdentityChangeAlert()
	if sess.State().IdentityChangeAlert != nil {
		t.Fatalf("expected alert dismissed")
	}
	fake.with(func(f *fakeEngine) {
		if len(f.trusted) != 0 {
			t.Fatalf("dismiss must not trust, got %v", f.trusted)
		}
	})
}

func TestMarkAsReadSendsReceipts(t *testing.T) {
	fake := newFakeEngine()
	sess := newRegisteredSession(t, fake, nil)

	fake.queueInbox(
		incoming("m1", "T1", "one", 10),
		incoming("m2", "T1", "two", 20),
		incoming("m3", "T2", "other", 30),
	)
	syncNow(t, sess)

	sess.MarkAsRead("T1")
	waitForCondition(t, 2*time.Second, func() bool {
		_, unread := sess.State().UnreadCounts["T1"]
		return !unread
	})
	if got := sess.State().UnreadCounts["T2"]; got != 1 {
		t.Fatalf("expected T2 unread untouched, got %d", got)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		var calls [][]string
		fake.with(func(f *fakeEngine) { calls = f.markReadCalls })
		return len(calls) == 1 && len(calls[0]) == 2 && calls[0][0] == "m1" && calls[0][1] == "m2"
	})
}

func TestNotRegisteredDoesNotPoll(t *testing.T) {
	fake := newFakeEngine()
	fake.status = engine.Status{}
	sess := newTestSession(t, fake, nil)

	if err := sess.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := sess.StartAutoRefresh(); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
	if err := sess.SyncNow(context.Background()); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered from sync, got %v", err)
	}
	if sess.State().Polling {
		t.Fatalf("expected idle scheduler")
	}
}

func TestStatusFailureSurfaces(t *testing.T) {
	fake := newFakeEngine()
	fake.statusErr = errors.New("engine not initialized")
	sess := newTestSession(t, fake, nil)

	if err := sess.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	if state := sess.State(); !strings.HasPrefix(state.Error, "Failed to get status") {
		t.Fatalf("unexpected error %q", state.Error)
	}
}

func TestRegisterThenPolls(t *testing.T) {
	fake := newFakeEngine()
	fake.status = engine.Status{}
	sess := newTestSession(t, fake, nil)

	if err := sess.Register(context.Background(), "carol", "https://relay.example"); err != nil {
		t.Fatalf("register: %v", err)
	}
	state := sess.State()
	if !state.Registered || state.Username != "carol" || state.SelfToken != testSelfToken {
		t.Fatalf("unexpected state after register %+v", state)
	}
	if !state.Polling {
		t.Fatalf("expected polling after register")
	}
}

func TestTicksNeverOverlapAndStopHalts(t *testing.T) {
	fake := newFakeEngine()
	fake.inboxWait = 20 * time.Millisecond
	sess := newRegisteredSession(t, fake, func(options *Options) { options.PollInterval = time.Millisecond })

	waitForCondition(t, 3*time.Second, func() bool {
		sess.Nudge()
		fetches := 0
		fake.with(func(f *fakeEngine) { fetches = f.fetches })
		return fetches >= 5
	})
	fake.with(func(f *fakeEngine) {
		if f.maxActive != 1 {
			t.Fatalf("expected ticks to never overlap, saw %d concurrent fetches", f.maxActive)
		}
	})

	sess.StopPolling()
	if sess.State().Polling {
		t.Fatalf("expected polling flag cleared")
	}
	waitForCondition(t, time.Second, func() bool {
		active := 1
		fake.with(func(f *fakeEngine) { active = f.activeFetches })
		return active == 0
	})
	time.Sleep(30 * time.Millisecond)
	var stoppedAt int
	fake.with(func(f *fakeEngine) { stoppedAt = f.fetches })
	time.Sleep(80 * time.Millisecond)
	fake.with(func(f *fakeEngine) {
		if f.fetches != stoppedAt {
			t.Fatalf("expected no ticks after stop, went from %d to %d", stoppedAt, f.fetches)
		}
	})
}

func TestTransientInboxFailureKeepsPolling(t *testing.T) {
	fake := newFakeEngine()
	fake.inboxErr = errors.New("timeout")
	sess := newRegisteredSession(t, fake, nil)
	syncNow(t, sess)

	if state := sess.State(); state.Error != "" || !state.Polling {
		t.Fatalf("transient failure must stay silent, got %+v", state)
	}

	fake.with(func(f *fakeEngine) { f.inboxErr = nil })
	fake.queueInbox(incoming("m1", "T1", "back", 10))
	syncNow(t, sess)
	if _, ok := findMessage(sess.State().Messages, "m1"); !ok {
		t.Fatalf("expected timeline usable after failure")
	}
}

func TestChangesStreamDeliversLatestSnapshot(t *testing.T) {
	fake := newFakeEngine()
	sess := newRegisteredSession(t, fake, nil)

	fake.queueInbox(incoming("m1", "T1", "one", 10))
	syncNow(t, sess)

	select {
	case state := <-sess.Changes():
		if _, ok := findMessage(state.Messages, "m1"); !ok {
			t.Fatalf("expected newest snapshot to contain m1")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a published snapshot")
	}
}

func TestContactManagement(t *testing.T) {
	fake := newFakeEngine()
	sess := newRegisteredSession(t, fake, nil)
	ctx := context.Background()

	if err := sess.AddContact(ctx, "bob", "B"); err != nil {
		t.Fatalf("add contact: %v", err)
	}
	if err := sess.RenameContact(ctx, "bob", "robert", "B"); err != nil {
		t.Fatalf("rename contact: %v", err)
	}
	contacts := sess.State().Contacts
	if len(contacts) != 1 || contacts[0].Nickname != "robert" || contacts[0].RoutingToken != "B" {
		t.Fatalf("unexpected contacts after rename %v", contacts)
	}

	if err := sess.RemoveContact(ctx, "robert"); err != nil {
		t.Fatalf("remove contact: %v", err)
	}
	if got := len(sess.State().Contacts); got != 0 {
		t.Fatalf("expected no contacts, got %d", got)
	}
}

func TestClearHistory(t *testing.T) {
	fake := newFakeEngine()
	historyFile := filepath.Join(t.TempDir(), "history.json")
	if err := os.WriteFile(historyFile, []byte("[]"), 0o600); err != nil {
		t.Fatalf("write history: %v", err)
	}
	sess := newRegisteredSession(t, fake, func(options *Options) { options.HistoryFiles = []string{historyFile} })

	fake.queueInbox(incoming("m1", "T1", "one", 10))
	syncNow(t, sess)

	if err := sess.ClearHistory(context.Background()); err != nil {
		t.Fatalf("clear history: %v", err)
	}
	state := sess.State()
	if len(state.Messages) != 0 || len(state.UnreadCounts) != 0 {
		t.Fatalf("expected empty timeline and counts, got %+v", state)
	}
	if !state.Registered {
		t.Fatalf("clear history must keep registration")
	}
	if _, err := os.Stat(historyFile); !os.IsNotExist(err) {
		t.Fatalf("expected history file removed, stat err=%v", err)
	}
	fake.with(func(f *fakeEngine) {
		if !f.historyCleared {
			t.Fatalf("expected engine history cleared")
		}
	})
}

func TestClearHistoryTogglesLoading(t *testing.T) {
	fake := newFakeEngine()
	sess := newRegisteredSession(t, fake, nil)

	var loadingDuringClear bool
	fake.with(func(f *fakeEngine) {
		f.onClearHistory = func() { loadingDuringClear = sess.State().Loading }
	})
	if err := sess.ClearHistory(context.Background()); err != nil {
		t.Fatalf("clear history: %v", err)
	}
	if !loadingDuringClear {
		t.Fatalf("expected loading while history is cleared")
	}
	if sess.State().Loading {
		t.Fatalf("expected loading cleared afterwards")
	}
}

func TestLogoutResetsState(t *testing.T) {
	fake := newFakeEngine()
	identityFile := filepath.Join(t.TempDir(), "identity.json")
	if err := os.WriteFile(identityFile, []byte("{}"), 0o600); err != nil {
		t.Fatalf("write identity: %v", err)
	}
	sess := newRegisteredSession(t, fake, func(options *Options) { options.IdentityFiles = []string{identityFile} })

	fake.queueInbox(incoming("m1", "T1", "one", 10))
	syncNow(t, sess)

	if err := sess.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	state := sess.State()
	if state.Registered || state.Polling || len(state.Messages) != 0 || len(state.Contacts) != 0 {
		t.Fatalf("expected reset state, got %+v", state)
	}
	if _, err := os.Stat(identityFile); !os.IsNotExist(err) {
		t.Fatalf("expected identity file removed, stat err=%v", err)
	}
	fake.with(func(f *fakeEngine) {
		if !f.identityReset {
			t.Fatalf("expected engine identity reset")
		}
	})
}

func TestClosedSessionRejectsActions(t *testing.T) {
	fake := newFakeEngine()
	sess := newRegisteredSession(t, fake, nil)
	sess.Close()

	if err := sess.StartAutoRefresh(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, ok := <-sess.Notifications(); ok {
		t.Fatalf("expected notifications closed")
	}
}

func TestRefreshLoadsGroupsAndDevices(t *testing.T) {
	fake := newFakeEngine()
	fake.groups = []models.Group{{ID: "G1", Name: "crew", Members: []string{"T1", "T2"}}}
	fake.devices = []models.Device{{ID: "D1", Name: "laptop", Current: true}, {ID: "D2", Name: "phone"}}
	sess := newRegisteredSession(t, fake, nil)

	state := sess.State()
	if len(state.Groups) != 1 || state.Groups[0].Name != "crew" || len(state.Groups[0].Members) != 2 {
		t.Fatalf("unexpected groups %+v", state.Groups)
	}
	if len(state.Devices) != 2 || !state.Devices[0].Current {
		t.Fatalf("unexpected devices %+v", state.Devices)
	}
}

func TestGroupManagement(t *testing.T) {
	fake := newFakeEngine()
	sess := newRegisteredSession(t, fake, nil)
	ctx := context.Background()

	groupID, err := sess.CreateGroup(ctx, "crew", []string{"T1"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := sess.AddGroupMembers(ctx, groupID, []string{"T2", "T3"}); err != nil {
		t.Fatalf("add members: %v", err)
	}
	if err := sess.RemoveGroupMembers(ctx, groupID, []string{"T1"}); err != nil {
		t.Fatalf("remove members: %v", err)
	}
	groups := sess.State().Groups
	if len(groups) != 1 || groups[0].ID != groupID {
		t.Fatalf("unexpected groups %+v", groups)
	}
	if members := groups[0].Members; len(members) != 2 || members[0] != "T2" || members[1] != "T3" {
		t.Fatalf("unexpected members %v", members)
	}

	if err := sess.LeaveGroup(ctx, groupID); err != nil {
		t.Fatalf("leave group: %v", err)
	}
	if state := sess.State(); len(state.Groups) != 0 || state.Loading {
		t.Fatalf("expected no groups after leaving, got %+v", state)
	}
}

func TestGroupFailureSurfaces(t *testing.T) {
	fake := newFakeEngine()
	fake.groupErr = errors.New("relay rejected group")
	sess := newRegisteredSession(t, fake, nil)

	if _, err := sess.CreateGroup(context.Background(), "crew", []string{"T1"}); err == nil {
		t.Fatalf("expected create group error")
	}
	state := sess.State()
	if !strings.Contains(state.Error, "Failed to create group") || state.Loading {
		t.Fatalf("expected surfaced error, got %+v", state)
	}
}

func TestSendGroupMessageRecordsSent(t *testing.T) {
	fake := newFakeEngine()
	fake.sendID = "srv-g1"
	fake.groups = []models.Group{{ID: "G1", Name: "crew", Members: []string{"T1"}}}
	sess := newRegisteredSession(t, fake, nil)

	if err := sess.SendGroupMessage(context.Background(), "G1", "hello crew"); err != nil {
		t.Fatalf("send group message: %v", err)
	}
	message, ok := findMessage(sess.State().Messages, "srv-g1")
	if !ok {
		t.Fatalf("expected group message in timeline")
	}
	if message.Sender != "me:G1" || message.Status != models.StatusSent {
		t.Fatalf("unexpected group message %+v", message)
	}
	fake.with(func(f *fakeEngine) {
		if len(f.groupSent) != 1 || len(f.sent) != 0 {
			t.Fatalf("expected one group send and no direct send, got %v / %v", f.groupSent, f.sent)
		}
	})

	fake.with(func(f *fakeEngine) {
		f.updates = []models.StatusUpdate{{MessageID: "srv-g1", Status: models.StatusDelivered}}
	})
	syncNow(t, sess)
	message, _ = findMessage(sess.State().Messages, "srv-g1")
	if message.Status != models.StatusDelivered {
		t.Fatalf("expected group message tracked to delivered, got %s", message.Status)
	}
}

func TestGroupSendIdentityErrorNamesMember(t *testing.T) {
	fake := newFakeEngine()
	fake.sendErr = &engine.IdentityChangedError{ContactID: "T1", Cause: errors.New("untrusted identity")}
	fake.groups = []models.Group{{ID: "G1", Name: "crew", Members: []string{"T1"}}}
	fake.contacts = []models.Contact{{Nickname: "ann", RoutingToken: "T1"}}
	sess := newRegisteredSession(t, fake, nil)

	if err := sess.SendGroupMessage(context.Background(), "G1", "hello"); err == nil {
		t.Fatalf("expected send error")
	}
	alert := sess.State().IdentityChangeAlert
	if alert == nil || alert.ContactID != "T1" || alert.ContactName != "ann" {
		t.Fatalf("expected alert for member T1, got %+v", alert)
	}
}

func TestGroupSenderIsNotProvisioned(t *testing.T) {
	fake := newFakeEngine()
	fake.groups = []models.Group{{ID: "G1", Name: "crew", Members: []string{"T1"}}}
	sess := newRegisteredSession(t, fake, nil)

	fake.queueInbox(incoming("m1", "G1", "hi all", 10))
	syncNow(t, sess)

	state := sess.State()
	if len(state.Contacts) != 0 {
		t.Fatalf("expected no contact provisioned for a group, got %v", state.Contacts)
	}
	if state.UnreadCounts["G1"] != 1 {
		t.Fatalf("expected group message counted unread, got %v", state.UnreadCounts)
	}
}

func TestRevokeDevice(t *testing.T) {
	fake := newFakeEngine()
	fake.devices = []models.Device{{ID: "D1", Name: "laptop", Current: true}, {ID: "D2", Name: "phone"}}
	sess := newRegisteredSession(t, fake, nil)

	if err := sess.RevokeDevice(context.Background(), "D2"); err != nil {
		t.Fatalf("revoke device: %v", err)
	}
	if devices := sess.State().Devices; len(devices) != 1 || devices[0].ID != "D1" {
		t.Fatalf("unexpected devices after revoke %+v", devices)
	}

	if err := sess.RevokeDevice(context.Background(), "D9"); err == nil {
		t.Fatalf("expected revoke of unknown device to fail")
	}
	if !strings.Contains(sess.State().Error, "Failed to revoke device") {
		t.Fatalf("expected surfaced error, got %q", sess.State().Error)
	}
}

func TestExportIdentity(t *testing.T) {
	fake := newFakeEngine()
	fake.identityJSON = `{"username":"alice"}`
	sess := newRegisteredSession(t, fake, nil)

	data, err := sess.ExportIdentity(context.Background())
	if err != nil {
		t.Fatalf("export identity: %v", err)
	}
	if data != fake.identityJSON {
		t.Fatalf("unexpected export %q", data)
	}
}

func TestImportIdentityResetsAndRefreshes(t *testing.T) {
	fake := newFakeEngine()
	sess := newRegisteredSession(t, fake, nil)
	fake.queueInbox(incoming("m1", "T1", "old identity", 10))
	syncNow(t, sess)

	if err := sess.ImportIdentity(context.Background(), `{"username":"imported"}`); err != nil {
		t.Fatalf("import identity: %v", err)
	}
	state := sess.State()
	if state.Username != "imported" || !state.Registered || !state.Polling {
		t.Fatalf("expected refreshed imported account, got %+v", state)
	}
	if len(state.Messages) != 0 || len(state.UnreadCounts) != 0 {
		t.Fatalf("expected previous timeline dropped, got %+v", state)
	}
}

func TestImportIdentityFailureSurfaces(t *testing.T) {
	fake := newFakeEngine()
	fake.importErr = errors.New("malformed identity")
	sess := newRegisteredSession(t, fake, nil)

	if err := sess.ImportIdentity(context.Background(), "{"); err == nil {
		t.Fatalf("expected import error")
	}
	state := sess.State()
	if !strings.Contains(state.Error, "Failed to import identity") || state.Username != "alice" {
		t.Fatalf("expected surfaced error and unchanged account, got %+v", state)
	}
}
