// Package service holds the background jobs behind scheduled tasks.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ratticdb/rattic/internal/mail"
	"github.com/ratticdb/rattic/internal/model"
)

// ChangeQueueStore is the repository surface used by the reminder.
type ChangeQueueStore interface {
	ListChangeQueue(ctx context.Context) ([]*model.ChangeQueueEntry, error)
	ListGroupMembers(ctx context.Context, groupID int64) ([]*model.User, error)
}

// ChangeQueueReminder mails every active group member with an address the
// credentials of their groups that wait for a password change.
type ChangeQueueReminder struct {
	store    ChangeQueueStore
	sender   mail.Sender
	queueURL string
	logger   *slog.Logger
}

// NewChangeQueueReminder creates the reminder job. queueURL is linked from
// the mail body.
func NewChangeQueueReminder(store ChangeQueueStore, sender mail.Sender, queueURL string, logger *slog.Logger) *ChangeQueueReminder {
	return &ChangeQueueReminder{
		store:    store,
		sender:   sender,
		queueURL: queueURL,
		logger:   logger.With("component", "reminder"),
	}
}

type recipient struct {
	user   *model.User
	groups map[string][]*model.ChangeQueueEntry
}

// Run sends the reminders and returns how many mails went out. A failed
// mail is logged and does not stop the others.
func (c *ChangeQueueReminder) Run(ctx context.Context) (int, error) {
	entries, err := c.store.ListChangeQueue(ctx)
	if err != nil {
		return 0, fmt.Errorf("list change queue: %w", err)
	}
	if len(entries) == 0 {
		c.logger.Info("change queue empty, no reminders sent")
		return 0, nil
	}

	byGroup := map[int64][]*model.ChangeQueueEntry{}
	var groupOrder []int64
	for _, e := range entries {
		if _, ok := byGroup[e.GroupID]; !ok {
			groupOrder = append(groupOrder, e.GroupID)
		}
		byGroup[e.GroupID] = append(byGroup[e.GroupID], e)
	}

	recipients := map[int64]*recipient{}
	for _, groupID := range groupOrder {
		members, err := c.store.ListGroupMembers(ctx, groupID)
		if err != nil {
			return 0, fmt.Errorf("list members of group %d: %w", groupID, err)
		}
		for _, u := range members {
			if !u.IsActive || u.Email == "" {
				continue
			}
			r, ok := recipients[u.ID]
			if !ok {
				r = &recipient{user: u, groups: map[string][]*model.ChangeQueueEntry{}}
				recipients[u.ID] = r
			}
			group := byGroup[groupID]
			r.groups[group[0].GroupName] = group
		}
	}

	ids := make([]int64, 0, len(recipients))
	for id := range recipients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	sent := 0
	for _, id := range ids {
		r := recipients[id]
		msg := mail.Message{
			To:      []string{r.user.Email},
			Subject: "Passwords waiting to be changed",
			Body:    c.body(r),
		}
		if err := c.sender.Send(ctx, msg); err != nil {
			c.logger.Warn("reminder not sent", "user_id", id, "error", err)
			continue
		}
		sent++
	}

	c.logger.Info("change queue reminders sent",
		"sent", sent,
		"recipients", len(recipients),
		"queued", len(entries),
	)
	return sent, nil
}

func (c *ChangeQueueReminder) body(r *recipient) string {
	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	greeting := r.user.FirstName
	if greeting == "" {
		greeting = r.user.Username
	}
	fmt.Fprintf(&b, "Hello %s,\n\n", greeting)
	b.WriteString("The following passwords are in the change queue of your groups:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "\n%s:\n", name)
		for _, e := range r.groups[name] {
			fmt.Fprintf(&b, "  - %s (queued %s)\n", e.Title, e.QueuedAt.Format("2006-01-02"))
		}
	}
	if c.queueURL != "" {
		fmt.Fprintf(&b, "\nReview the queue at %s\n", c.queueURL)
	}
	return b.String()
}
