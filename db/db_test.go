package db

import (
	"os"
	"testing"
)

// setupTestDB creates a store backed by a temporary database file.
func setupTestDB(t *testing.T) (*DB, func()) {
	tmpfile, err := os.CreateTemp("", "chatserv-test-*.db")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	tmpfile.Close()
	os.Remove(tmpfile.Name()) // SQLite recreates it

	database, err := New(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}

	cleanup := func() {
		database.Close()
		os.Remove(tmpfile.Name())
	}

	return database, cleanup
}

func TestDigestDeterministic(t *testing.T) {
	if Digest("secret") != Digest("secret") {
		t.Error("Digest is not deterministic for identical input")
	}
	if Digest("secret") == Digest("Secret") {
		t.Error("Digest collides for different input")
	}
	if Digest("secret") == "secret" {
		t.Error("Digest returned the plaintext secret")
	}
}

func TestCreateAccountAndAuthenticate(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()

	if err := database.CreateAccount("foo", "bar"); err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}

	ok, err := database.Authenticate("foo", "bar")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if !ok {
		t.Error("Expected matching credentials to authenticate")
	}

	ok, err = database.Authenticate("foo", "wrong")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if ok {
		t.Error("Expected mismatched passhash to fail")
	}

	// Unknown user looks exactly like a wrong password.
	ok, err = database.Authenticate("nobody", "bar")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if ok {
		t.Error("Expected unknown user to fail authentication")
	}
}

func TestCreateAccountDuplicate(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()

	if err := database.CreateAccount("foo", "bar"); err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}
	if err := database.CreateAccount("foo", "other"); err == nil {
		t.Error("Expected duplicate username to be rejected")
	}

	// The original credential must be untouched.
	ok, err := database.Authenticate("foo", "bar")
	if err != nil || !ok {
		t.Errorf("Original credentials broken after duplicate insert: ok=%v err=%v", ok, err)
	}
}

func TestAccountExistsAndList(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()

	exists, err := database.AccountExists("foo")
	if err != nil {
		t.Fatalf("AccountExists failed: %v", err)
	}
	if exists {
		t.Error("Expected no account before creation")
	}

	database.CreateAccount("foo", "a")
	database.CreateAccount("bar", "b")
	database.CreateAccount("baz", "c")

	exists, _ = database.AccountExists("foo")
	if !exists {
		t.Error("Expected account to exist after creation")
	}

	roster, err := database.ListAccounts("foo")
	if err != nil {
		t.Fatalf("ListAccounts failed: %v", err)
	}
	if len(roster) != 2 || roster[0] != "bar" || roster[1] != "baz" {
		t.Errorf("Expected [bar baz], got %v", roster)
	}
}

func TestMessageIDsNeverReused(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()

	id1, err := database.SaveMessage("a", "b", "first")
	if err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	id2, _ := database.SaveMessage("a", "b", "second")
	if id2 <= id1 {
		t.Errorf("Expected monotonic ids, got %d then %d", id1, id2)
	}

	if err := database.DeleteMessage(id2); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	id3, _ := database.SaveMessage("a", "b", "third")
	if id3 <= id2 {
		t.Errorf("Expected id %d to not be reused, got %d", id2, id3)
	}
}

func TestChatOrderingAndIsolation(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()

	bodies := []string{"one", "two", "three", "four"}
	for i, body := range bodies {
		sender, recipient := "alice", "bob"
		if i%2 == 1 {
			sender, recipient = "bob", "alice"
		}
		if _, err := database.SaveMessage(sender, recipient, body); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
	}
	database.SaveMessage("alice", "carol", "elsewhere")

	chat, err := database.Chat("alice", "bob")
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if len(chat) != len(bodies) {
		t.Fatalf("Expected %d messages, got %d", len(bodies), len(chat))
	}
	for i, m := range chat {
		if m.Body != bodies[i] {
			t.Errorf("Message %d out of order: expected %q, got %q", i, bodies[i], m.Body)
		}
	}

	empty, err := database.Chat("bob", "carol")
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("Expected empty chat, got %d messages", len(empty))
	}
}

func TestTakeUndeliveredMarksEverything(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()

	database.SaveMessage("alice", "bob", "first")
	database.SaveMessage("alice", "bob", "second")
	id3, _ := database.SaveMessage("carol", "bob", "third")

	count, err := database.UndeliveredCount("bob")
	if err != nil {
		t.Fatalf("UndeliveredCount failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("Expected 3 undelivered, got %d", count)
	}

	// Ask for one: get the most recent, but ALL become delivered.
	messages, err := database.TakeUndelivered("bob", 1)
	if err != nil {
		t.Fatalf("TakeUndelivered failed: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(messages))
	}
	if messages[0].ID != id3 {
		t.Errorf("Expected most recent message %d, got %d", id3, messages[0].ID)
	}

	count, _ = database.UndeliveredCount("bob")
	if count != 0 {
		t.Errorf("Expected all messages marked delivered, %d remain", count)
	}
}

func TestMarkDeliveredAbsentIsNoop(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()

	if err := database.MarkDelivered(12345); err != nil {
		t.Errorf("Expected zero-row update to succeed, got %v", err)
	}
}

func TestDeleteMessageIdempotent(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()

	id, _ := database.SaveMessage("alice", "bob", "hi")
	if err := database.DeleteMessage(id); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	if err := database.DeleteMessage(id); err != nil {
		t.Errorf("Expected second delete to be a no-op, got %v", err)
	}

	if _, err := database.Message(id); err != ErrNoRows {
		t.Errorf("Expected ErrNoRows after delete, got %v", err)
	}
}

func TestDeleteAccountCascade(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()

	database.CreateAccount("alice", "a")
	database.CreateAccount("bob", "b")
	database.CreateAccount("carol", "c")
	database.SaveMessage("alice", "bob", "from alice")
	database.SaveMessage("bob", "alice", "to alice")
	keptID, _ := database.SaveMessage("bob", "carol", "unrelated")

	if err := database.DeleteAccount("alice"); err != nil {
		t.Fatalf("DeleteAccount failed: %v", err)
	}

	exists, _ := database.AccountExists("alice")
	if exists {
		t.Error("Expected account row to be gone")
	}

	chat, _ := database.Chat("alice", "bob")
	if len(chat) != 0 {
		t.Errorf("Expected alice's messages gone, found %d", len(chat))
	}

	if _, err := database.Message(keptID); err != nil {
		t.Errorf("Expected unrelated message to survive, got %v", err)
	}
}
