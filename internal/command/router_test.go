package command

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gchatbridge/internal/domain"
	"gchatbridge/internal/logging"
)

const repliesYAML = `
- name: greeting
  keywords: [hello, "good morning"]
  response: "Hello {sender}!"
- name: ticket
  pattern: 'TICKET-\d+'
  response: "Looking up {text}"
- name: broken
  pattern: '('
  response: "never"
- name: silent
  keywords: [quiet]
`

func request(msg domain.CanonicalMessage, dl domain.Downloader) (*domain.Request, *[]string) {
	var sent []string
	return &domain.Request{
		Message:    msg,
		Downloader: dl,
		Replier: domain.ReplierFunc(func(_ context.Context, text string) error {
			sent = append(sent, text)
			return nil
		}),
	}, &sent
}

func message(body string) domain.CanonicalMessage {
	return domain.CanonicalMessage{
		Type:        domain.EventMessage,
		Body:        body,
		Space:       "spaces/AAA",
		Thread:      "spaces/AAA/threads/t1",
		Sender:      domain.Sender{Name: "users/42", DisplayName: "Ada", Email: "ada@example.com"},
		Attachments: []domain.AttachmentRef{},
	}
}

func newRouter(t *testing.T) *Router {
	t.Helper()
	replies, err := ParseReplies([]byte(repliesYAML), logging.Discard())
	require.NoError(t, err)
	return NewRouter(RouterOptions{BotName: "errbot", Version: "1.2.3", Replies: replies, Logger: logging.Discard()})
}

func handle(t *testing.T, r *Router, msg domain.CanonicalMessage, dl domain.Downloader) []string {
	t.Helper()
	req, sent := request(msg, dl)
	require.NoError(t, r.Handle(context.Background(), req))
	return *sent
}

func TestParseCommand(t *testing.T) {
	assert.Nil(t, ParseCommand("   "))
	cmd := ParseCommand("  /Files  now please ")
	require.NotNil(t, cmd)
	assert.Equal(t, "files", cmd.Name)
	assert.Equal(t, []string{"now", "please"}, cmd.Args)
	assert.Equal(t, "/Files  now please", cmd.Raw)
}

func TestBuiltinCommands(t *testing.T) {
	r := newRouter(t)

	assert.Equal(t, []string{"pong"}, handle(t, r, message("ping"), nil))

	out := handle(t, r, message("help"), nil)
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "**errbot commands**")
	assert.Contains(t, out[0], "greeting, ticket")

	out = handle(t, r, message("whoami"), nil)
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "**Ada** (`users/42`), ada@example.com")
	assert.Contains(t, out[0], "spaces/AAA/threads/t1")

	out = handle(t, r, message("version"), nil)
	require.Len(t, out, 1)
	assert.True(t, strings.HasPrefix(out[0], "errbot 1.2.3 ("))

	out = handle(t, r, message("uptime"), nil)
	require.Len(t, out, 1)
	assert.True(t, strings.HasPrefix(out[0], "Uptime: "))
}

func TestCannedReplies(t *testing.T) {
	r := newRouter(t)

	assert.Equal(t, []string{"Hello Ada!"}, handle(t, r, message("well hello there"), nil))
	assert.Equal(t, []string{"Hello Ada!"}, handle(t, r, message("Good Morning team"), nil))
	assert.Equal(t, []string{"Looking up status of ticket-12"}, handle(t, r, message("status of ticket-12"), nil))

	out := handle(t, r, message("othello is a play"), nil)
	require.Len(t, out, 1)
	assert.Equal(t, "Unknown command `othello`. Type `help` to see what I can do.", out[0])
}

func TestParseRepliesSkipsInvalid(t *testing.T) {
	replies, err := ParseReplies([]byte(repliesYAML), logging.Discard())
	require.NoError(t, err)
	var names []string
	for _, r := range replies {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"greeting", "ticket"}, names)

	_, err = ParseReplies([]byte("name: [unclosed"), logging.Discard())
	assert.Error(t, err)
}

func TestLoadReplies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(repliesYAML), 0o600))

	replies, err := LoadReplies(path, logging.Discard())
	require.NoError(t, err)
	assert.Len(t, replies, 2)

	replies, err = LoadReplies(filepath.Join(t.TempDir(), "missing.yaml"), logging.Discard())
	require.NoError(t, err)
	assert.Empty(t, replies)

	replies, err = LoadReplies("", logging.Discard())
	require.NoError(t, err)
	assert.Empty(t, replies)
}

func TestFilesCommand(t *testing.T) {
	r := newRouter(t)
	msg := message("files")
	msg.Attachments = []domain.AttachmentRef{
		{Kind: domain.SourceUploadedContent, Resource: "abc123", Name: "report.pdf"},
		{Kind: domain.SourceUploadedContent, Resource: "gone", Name: "old.png"},
		{Kind: domain.SourceDriveFile, Resource: "drv-1", Name: "sheet"},
	}
	dl := domain.DownloaderFunc(func(_ context.Context, ref domain.AttachmentRef) ([]byte, error) {
		switch {
		case !ref.Uploaded():
			return nil, &domain.AttachmentError{Resource: ref.Resource, Kind: domain.ErrUnsupportedSource}
		case ref.Resource == "gone":
			return nil, &domain.AttachmentError{Resource: ref.Resource, StatusCode: 404, Kind: domain.ErrNotFound}
		}
		return []byte("12345"), nil
	})

	out := handle(t, r, msg, dl)
	require.Len(t, out, 1)
	assert.Equal(t, "3 attachment(s):\n"+
		"- report.pdf: 5 bytes\n"+
		"- old.png: not found\n"+
		"- sheet: stored in DRIVE_FILE, not downloadable", out[0])
}

func TestAttachmentOnlyMessageListsFiles(t *testing.T) {
	r := newRouter(t)
	msg := message("")
	msg.Attachments = []domain.AttachmentRef{{Kind: domain.SourceUploadedContent, Resource: "abc123"}}

	out := handle(t, r, msg, nil)
	assert.Equal(t, []string{"1 attachment(s):\n- abc123: downloads are disabled"}, out)
}

func TestEmptyMessageGetsNoReply(t *testing.T) {
	assert.Empty(t, handle(t, newRouter(t), message(""), nil))
}

func TestLifecycleEvents(t *testing.T) {
	r := newRouter(t)

	dm := domain.CanonicalMessage{Type: domain.EventAddedToSpace, SpaceType: "DM", Sender: domain.Sender{DisplayName: "Lin"}}
	assert.Equal(t, []string{"Hi Lin! I'm errbot. Type `help` to see what I can do."}, handle(t, r, dm, nil))

	room := domain.CanonicalMessage{Type: domain.EventAddedToSpace, SpaceType: "ROOM"}
	out := handle(t, r, room, nil)
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "@errbot")

	assert.Empty(t, handle(t, r, domain.CanonicalMessage{Type: domain.EventRemovedFromSpace}, nil))
	assert.Empty(t, handle(t, r, domain.CanonicalMessage{Type: domain.EventUnknown}, nil))

	click := domain.CanonicalMessage{Type: domain.EventCardClicked, Action: &domain.CardAction{Method: "approve"}}
	assert.Equal(t, []string{"Received card action `approve`."}, handle(t, r, click, nil))
}

func TestReplyErrorPropagates(t *testing.T) {
	r := newRouter(t)
	boom := errors.New("chat api down")
	req := &domain.Request{
		Message: message("ping"),
		Replier: domain.ReplierFunc(func(context.Context, string) error { return boom }),
	}
	assert.ErrorIs(t, r.Handle(context.Background(), req), boom)
}
