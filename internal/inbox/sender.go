package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/nvoss/dmpilot/internal/dispatch"
	"github.com/nvoss/dmpilot/internal/session"
)

const composerSelector = `div[contenteditable="true"]`

// Send writes a message into a chat through the live session: open the chat,
// type into the composer, press Enter. Implements dispatch.Sender; the
// dispatcher guarantees only one of these runs at a time.
func (c *Client) Send(ctx context.Context, chatID, text string) error {
	err := c.store.Do(ctx, func(ctx context.Context, b session.Browser) error {
		if err := c.openChat(ctx, b, chatID); err != nil {
			return err
		}
		if err := b.Type(ctx, composerSelector, text); err != nil {
			return fmt.Errorf("compose: %w", err)
		}
		if err := b.PressEnter(ctx); err != nil {
			return fmt.Errorf("submit: %w", err)
		}

		var blocked bool
		if err := b.Evaluate(ctx, blockSignalJS, &blocked); err == nil && blocked {
			return dispatch.ErrBlocked
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Printf("[Inbox] Sent message to %q", chatID)
	return nil
}

// MarkRead opens a chat, which the surface treats as reading it
func (c *Client) MarkRead(ctx context.Context, chatID string) error {
	return c.store.Do(ctx, func(ctx context.Context, b session.Browser) error {
		return c.openChat(ctx, b, chatID)
	})
}

func (c *Client) openChat(ctx context.Context, b session.Browser, chatID string) error {
	nameJSON, err := json.Marshal(chatID)
	if err != nil {
		return err
	}
	var opened bool
	if err := b.Evaluate(ctx, fmt.Sprintf(openChatJS, nameJSON), &opened); err != nil {
		return err
	}
	if !opened {
		return fmt.Errorf("chat %q not found in inbox", chatID)
	}
	return nil
}

// blockSignalJS looks for the action-blocked / try-again-later dialog that
// Instagram raises when it suspects automation.
const blockSignalJS = `(() => {
	const dialog = document.querySelector('div[role="dialog"]');
	if (!dialog) return false;
	const text = dialog.innerText || "";
	return text.includes("Try Again Later") ||
		text.includes("Action Blocked") ||
		text.includes("We restrict certain activity");
})()`
