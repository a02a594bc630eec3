package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupDB(t *testing.T) {
	t.Helper()
	require.NoError(t, Init(filepath.Join(t.TempDir(), "test.db")))
}

func TestUpsertChat(t *testing.T) {
	setupDB(t)

	created, err := UpsertChat(&Chat{ID: "alice", Username: "alice", LastMessage: "hey"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = UpsertChat(&Chat{ID: "alice", Username: "alice", LastMessage: "sup", ProfilePic: "http://x/pic.jpg"})
	require.NoError(t, err)
	assert.False(t, created)

	chat, err := GetChat("alice")
	require.NoError(t, err)
	assert.Equal(t, "sup", chat.LastMessage)
	assert.Equal(t, "http://x/pic.jpg", chat.ProfilePic)
}

func TestUpsertChatKeepsProfileFields(t *testing.T) {
	setupDB(t)

	_, err := UpsertChat(&Chat{ID: "bob", Username: "bob", FullName: "Bob B", ProfilePic: "http://x/bob.jpg"})
	require.NoError(t, err)

	// A later sighting without profile fields must not blank them out.
	_, err = UpsertChat(&Chat{ID: "bob", Username: "bob", LastMessage: "yo"})
	require.NoError(t, err)

	chat, err := GetChat("bob")
	require.NoError(t, err)
	assert.Equal(t, "Bob B", chat.FullName)
	assert.Equal(t, "http://x/bob.jpg", chat.ProfilePic)
}

func TestSaveSettingsInvariant(t *testing.T) {
	setupDB(t)

	err := SaveSettings(&ChatSettings{ChatID: "alice", Enabled: false, AutoReply: true})
	require.NoError(t, err)

	settings, err := GetSettings("alice")
	require.NoError(t, err)
	require.NotNil(t, settings)
	assert.False(t, settings.Enabled)
	assert.False(t, settings.AutoReply, "auto-reply cannot survive with automation off")
}

func TestSaveSettingsNormalizesEmptyRules(t *testing.T) {
	setupDB(t)

	empty := ""
	require.NoError(t, SaveSettings(&ChatSettings{ChatID: "alice", Enabled: true, CustomRules: &empty}))

	settings, err := GetSettings("alice")
	require.NoError(t, err)
	assert.Nil(t, settings.CustomRules, "empty rules mean no rules")

	rules := "be brief"
	require.NoError(t, SaveSettings(&ChatSettings{ChatID: "alice", Enabled: true, CustomRules: &rules}))

	settings, err = GetSettings("alice")
	require.NoError(t, err)
	require.NotNil(t, settings.CustomRules)
	assert.Equal(t, "be brief", *settings.CustomRules)
}

func TestGetSettingsMissing(t *testing.T) {
	setupDB(t)

	settings, err := GetSettings("nobody")
	require.NoError(t, err)
	assert.Nil(t, settings)
}

func TestRecordMessageDedup(t *testing.T) {
	setupDB(t)

	msg := Message{ChatID: "alice", DedupID: "d1", Sender: "alice", Text: "hey"}
	inserted, err := RecordMessage(&msg)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := Message{ChatID: "alice", DedupID: "d1", Sender: "alice", Text: "hey"}
	inserted, err = RecordMessage(&dup)
	require.NoError(t, err)
	assert.False(t, inserted, "same dedup id must be dropped")

	messages, err := GetMessages("alice", 0)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestGetMessagesWindow(t *testing.T) {
	setupDB(t)

	for _, id := range []string{"d1", "d2", "d3", "d4"} {
		_, err := RecordMessage(&Message{ChatID: "alice", DedupID: id, Sender: "alice", Text: id})
		require.NoError(t, err)
	}

	messages, err := GetMessages("alice", 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	// Newest two, chronological order.
	assert.Equal(t, "d3", messages[0].DedupID)
	assert.Equal(t, "d4", messages[1].DedupID)
}

func TestLastDedupID(t *testing.T) {
	setupDB(t)

	id, err := LastDedupID("alice")
	require.NoError(t, err)
	assert.Empty(t, id)

	_, err = RecordMessage(&Message{ChatID: "alice", DedupID: "d1", Sender: "alice"})
	require.NoError(t, err)
	_, err = RecordMessage(&Message{ChatID: "alice", DedupID: "d2", Sender: "alice"})
	require.NoError(t, err)

	id, err = LastDedupID("alice")
	require.NoError(t, err)
	assert.Equal(t, "d2", id)
}

func TestCountAutoReplyChats(t *testing.T) {
	setupDB(t)

	require.NoError(t, SaveSettings(&ChatSettings{ChatID: "a", Enabled: true, AutoReply: true}))
	require.NoError(t, SaveSettings(&ChatSettings{ChatID: "b", Enabled: true, AutoReply: false}))
	require.NoError(t, SaveSettings(&ChatSettings{ChatID: "c", Enabled: true, AutoReply: true}))

	n, err := CountAutoReplyChats()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestSelfMessages(t *testing.T) {
	setupDB(t)

	_, err := RecordMessage(&Message{ChatID: "a", DedupID: "d1", Sender: "Me", IsSelf: true, Text: "mine"})
	require.NoError(t, err)
	_, err = RecordMessage(&Message{ChatID: "a", DedupID: "d2", Sender: "alice", Text: "theirs"})
	require.NoError(t, err)
	_, err = RecordMessage(&Message{ChatID: "a", DedupID: "d3", Sender: "Me", IsSelf: true, Text: ""})
	require.NoError(t, err)

	texts, err := SelfMessages(10)
	require.NoError(t, err)
	assert.Equal(t, []string{"mine"}, texts, "only non-empty own messages qualify")
}

func TestProfileRoundTrip(t *testing.T) {
	setupDB(t)

	profile, err := GetProfile("alice")
	require.NoError(t, err)
	assert.Nil(t, profile)

	require.NoError(t, SaveProfile("alice", `{"casing_style":"lowercase"}`))
	require.NoError(t, SaveProfile("alice", `{"casing_style":"mixed"}`))

	profile, err = GetProfile("alice")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, `{"casing_style":"mixed"}`, profile.ProfileData, "overwrite is wholesale")
}
