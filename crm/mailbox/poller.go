package mailbox

import (
	"context"
	"net/mail"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/teranos/crmpulse/crm/records"
	"github.com/teranos/crmpulse/errors"
)

// Message is one message fetched from a mailbox
type Message struct {
	MessageID  string
	Sender     string
	Subject    string
	ReceivedAt time.Time
}

// Poller fetches the messages a mailbox received since the last sync.
// since is nil on the first sync. Returning already-synced messages is fine;
// they are deduplicated by message id.
type Poller interface {
	Fetch(ctx context.Context, mb *records.Mailbox, since *time.Time) ([]Message, error)
}

// DirPoller reads a mailbox URL of the form file:///path/to/dir, where every
// *.eml file in the directory is one RFC 5322 message. Delivery agents and
// mail fetchers that drop messages into a directory feed the CRM this way.
type DirPoller struct{}

// Fetch parses the message files modified after since
func (DirPoller) Fetch(ctx context.Context, mb *records.Mailbox, since *time.Time) ([]Message, error) {
	dir, err := dirFromURL(mb.URL)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read mailbox directory %s", dir)
	}

	var msgs []Message
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".eml") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to stat %s", entry.Name())
		}
		if since != nil && !info.ModTime().After(*since) {
			continue
		}
		msg, err := readMessage(filepath.Join(dir, entry.Name()), info.ModTime())
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt) })
	return msgs, nil
}

func dirFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrapf(err, "invalid mailbox url %q", raw)
	}
	if u.Scheme != "file" || u.Path == "" {
		return "", errors.Newf("unsupported mailbox url %q (want file:///path)", raw)
	}
	return u.Path, nil
}

// readMessage parses the headers of one file. Without a Message-Id header the
// file name stands in; without a Date header the modification time does.
func readMessage(path string, modTime time.Time) (Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return Message{}, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	parsed, err := mail.ReadMessage(f)
	if err != nil {
		return Message{}, errors.Wrapf(err, "failed to parse %s", filepath.Base(path))
	}
	h := parsed.Header

	msg := Message{
		MessageID:  strings.TrimSpace(h.Get("Message-Id")),
		Sender:     h.Get("From"),
		Subject:    h.Get("Subject"),
		ReceivedAt: modTime.UTC(),
	}
	if msg.MessageID == "" {
		msg.MessageID = filepath.Base(path)
	}
	if addr, err := mail.ParseAddress(msg.Sender); err == nil {
		msg.Sender = addr.Address
	}
	if date, err := h.Date(); err == nil {
		msg.ReceivedAt = date.UTC()
	}
	return msg, nil
}
