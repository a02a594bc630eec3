package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nvoss/dmpilot/internal/session"
)

// ChatSummary is one row of the live inbox list
type ChatSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Preview    string `json:"preview"`
	ProfilePic string `json:"profile_pic"`
}

// rawMessage is a message as scraped from the DOM, before normalization
type rawMessage struct {
	Sender string    `json:"sender"`
	Text   string    `json:"text"`
	IsMe   bool      `json:"is_me"`
	Media  *rawMedia `json:"media"`
}

// rawMedia carries the structural cues used for classification
type rawMedia struct {
	URL    string  `json:"url"`
	Alt    string  `json:"alt"`
	Width  float64 `json:"w"`
	Height float64 `json:"h"`
}

// Client scrapes the live inbox surface. Every call goes through the session
// store's serialized gate; nothing here touches the browser directly.
type Client struct {
	store *session.Store
}

// NewClient creates an inbox client bound to the session store
func NewClient(store *session.Store) *Client {
	return &Client{store: store}
}

// FetchInbox returns the currently visible conversation list
func (c *Client) FetchInbox(ctx context.Context) ([]ChatSummary, error) {
	var chats []ChatSummary
	err := c.store.Do(ctx, func(ctx context.Context, b session.Browser) error {
		return b.Evaluate(ctx, inboxScrapeJS, &chats)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch inbox: %w", err)
	}
	return chats, nil
}

// InstallPushTrigger injects a MutationObserver that calls fn whenever the
// sidebar changes. Complements the fixed poll interval with opportunistic
// triggering.
func (c *Client) InstallPushTrigger(ctx context.Context, fn func()) error {
	return c.store.Do(ctx, func(ctx context.Context, b session.Browser) error {
		if err := b.ExposeBinding(ctx, "onSidebarChange", fn); err != nil {
			return err
		}
		return b.Evaluate(ctx, sidebarObserverJS, nil)
	})
}

// fetchRawTranscript opens a chat and scrapes up to limit messages
func (c *Client) fetchRawTranscript(ctx context.Context, chatID string, limit int) ([]rawMessage, error) {
	nameJSON, err := json.Marshal(chatID)
	if err != nil {
		return nil, err
	}

	var raw []rawMessage
	err = c.store.Do(ctx, func(ctx context.Context, b session.Browser) error {
		var opened bool
		if err := b.Evaluate(ctx, fmt.Sprintf(openChatJS, nameJSON), &opened); err != nil {
			return err
		}
		if !opened {
			return fmt.Errorf("chat %q not found in inbox", chatID)
		}

		// Wait for message rows to finish loading.
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			var ready bool
			if err := b.Evaluate(ctx, rowsReadyJS, &ready); err != nil {
				return err
			}
			if ready {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}

		return b.Evaluate(ctx, fmt.Sprintf(transcriptScrapeJS, limit), &raw)
	})
	if err != nil {
		return nil, fmt.Errorf("read transcript %q: %w", chatID, err)
	}
	return raw, nil
}

// inboxScrapeJS harvests the conversation rows from the inbox sidebar.
// Rows are identified structurally: wide, short clickable divs with at least
// a name line and a preview line.
const inboxScrapeJS = `(() => {
	const out = [];
	const seen = new Set();
	for (const row of document.querySelectorAll('div[role="button"]')) {
		const r = row.getBoundingClientRect();
		if (!(r.width > 200 && r.height > 0 && r.height < 100)) continue;
		const lines = row.innerText.split("\n").map(l => l.trim()).filter(l => l);
		if (lines.length < 2) continue;
		if (seen.has(lines[0])) continue;
		seen.add(lines[0]);
		const img = row.querySelector('img');
		out.push({
			id: lines[0],
			name: lines[0],
			preview: lines[1],
			profile_pic: img ? (img.src || "") : ""
		});
	}
	return out;
})()`

// sidebarObserverJS watches the document for attribute/text mutations and
// fires the exposed binding. Installed once per acquired session.
const sidebarObserverJS = `(() => {
	const start = () => {
		const observer = new MutationObserver((mutations) => {
			for (const m of mutations) {
				if (m.type === "attributes" || m.type === "characterData") {
					window.onSidebarChange("change");
					break;
				}
			}
		});
		observer.observe(document.body, {
			subtree: true,
			attributes: true,
			attributeFilter: ["aria-label"],
			characterData: true,
		});
	};
	requestAnimationFrame(() => setTimeout(start, 500));
})()`

// openChatJS clicks the inbox row whose name line matches the chat id.
// Returns whether a row was found.
const openChatJS = `(() => {
	const name = %s;
	for (const row of document.querySelectorAll('div[role="button"]')) {
		const r = row.getBoundingClientRect();
		if (!(r.width > 200 && r.height > 0 && r.height < 100)) continue;
		const first = (row.innerText.split("\n")[0] || "").trim();
		if (first === name) {
			row.click();
			return true;
		}
	}
	return false;
})()`

const rowsReadyJS = `(() => {
	const rows = document.querySelectorAll('div[role="row"]');
	return rows.length > 0 && !rows[0].innerText.includes("Loading");
})()`

// transcriptScrapeJS extracts the last N message rows. Sender attribution:
// sent messages align right of center; received ones carry an avatar or a
// profile link, with a last-known-sender fallback. Group chats are detected
// by sender diversity; one-on-one received messages collapse to "Them".
// Media rows report the raw structural cues (alt text, rendered size) and
// classification happens on the Go side.
const transcriptScrapeJS = `(() => {
	const rows = Array.from(document.querySelectorAll('div[role="row"]')).slice(-%d);
	const sendersFound = new Set();
	let lastKnownSender = "Unknown";

	const rawData = rows.map(row => {
		const bubble = row.querySelector('div[dir="auto"]');
		let text = "";
		let isMe = false;

		if (bubble) {
			text = bubble.innerText;
			const rect = bubble.getBoundingClientRect();
			isMe = rect.left + rect.width / 2 > window.innerWidth / 2;
		} else {
			const avatarImg = row.querySelector('img[alt*="profile picture"]');
			if (avatarImg) {
				const ar = avatarImg.getBoundingClientRect();
				if (ar.width < 60 && ar.height < 60) isMe = false;
			} else {
				let contentImg = null, maxArea = 0;
				for (const img of row.querySelectorAll('img')) {
					const w = img.clientWidth || 0, h = img.clientHeight || 0;
					if (w * h > maxArea && w > 50 && h > 50) { maxArea = w * h; contentImg = img; }
				}
				if (contentImg) {
					const ir = contentImg.getBoundingClientRect();
					const rr = row.getBoundingClientRect();
					isMe = ir.left + ir.width / 2 > rr.left + rr.width / 2;
				}
			}
		}

		let sender = null;
		if (isMe) {
			sender = "Me";
		} else {
			const link = row.querySelector('a[href*="/"]');
			if (link) {
				const parts = link.getAttribute('href').split('/').filter(p => p.length > 0);
				if (parts.length > 0) sender = parts[0];
			}
			if (!sender) {
				const img = row.querySelector('img');
				if (img && img.alt && !img.alt.includes("Seen by")) {
					sender = img.alt.replace("profile picture", "").trim();
				}
			}
			if (sender) {
				lastKnownSender = sender;
				sendersFound.add(sender);
			} else {
				sender = lastKnownSender;
			}
		}

		let media = null;
		for (const img of row.querySelectorAll('img')) {
			const w = img.clientWidth || img.naturalWidth;
			const h = img.clientHeight || img.naturalHeight;
			if (w > 50 && h > 50 && img.src) {
				media = { url: img.src, alt: img.alt || "", w: w, h: h };
				break;
			}
		}

		return { sender, text, is_me: isMe, media };
	}).filter(msg => msg.text || msg.media);

	const uniqueSenders = Array.from(sendersFound).filter(s => s !== "Unknown");
	const isGroupChat = uniqueSenders.length > 1;

	return rawData.map(msg => ({
		sender: (!msg.is_me && !isGroupChat) ? "Them" : msg.sender,
		text: msg.text,
		is_me: msg.is_me,
		media: msg.media
	}));
})()`
