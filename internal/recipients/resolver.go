package recipients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"sensoralert/internal/datasource"
	"sensoralert/internal/domain"
)

// Recipient is one resolved user with per-channel delivery addresses.
type Recipient struct {
	UserID    int64                     `json:"user_id"`
	Name      string                    `json:"name"`
	Addresses map[domain.Channel]string `json:"addresses"`
}

// Address returns delivery address for channel.
// Params: channel.
// Returns: address and whether it is present.
func (r Recipient) Address(channel domain.Channel) (string, bool) {
	address, ok := r.Addresses[channel]
	return address, ok && address != ""
}

// FromUser builds recipient addresses from user profile.
func FromUser(user domain.User) Recipient {
	addresses := make(map[domain.Channel]string, 4)
	if email := strings.TrimSpace(user.Email); email != "" {
		addresses[domain.ChannelEmail] = email
	}
	if phone := strings.TrimSpace(user.Phone); phone != "" {
		addresses[domain.ChannelSMS] = phone
	}
	if token := strings.TrimSpace(user.PushToken); token != "" {
		addresses[domain.ChannelPush] = token
	}
	if user.InApp {
		addresses[domain.ChannelInApp] = strconv.FormatInt(user.ID, 10)
	}
	return Recipient{UserID: user.ID, Name: user.Name, Addresses: addresses}
}

// Resolver expands recipient references into users.
type Resolver struct {
	source datasource.DataSource
	logger *slog.Logger
}

// NewResolver builds resolver over data source.
func NewResolver(source datasource.DataSource, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{source: source, logger: logger}
}

// Resolve expands users and groups at call time.
// Params: context and ordered references.
// Returns: users de-duplicated by ID in first-seen order; unknown refs are skipped.
func (r *Resolver) Resolve(ctx context.Context, refs []domain.RecipientRef) ([]Recipient, error) {
	seen := make(map[int64]struct{})
	out := make([]Recipient, 0, len(refs))
	addUser := func(userID int64) error {
		if _, dup := seen[userID]; dup {
			return nil
		}
		user, err := r.source.User(ctx, userID)
		if err != nil {
			if errors.Is(err, domain.ErrConfigNotFound) {
				r.logger.Warn("recipient skipped", "user_id", userID, "error", err)
				return nil
			}
			return fmt.Errorf("load user %d: %w", userID, err)
		}
		seen[userID] = struct{}{}
		out = append(out, FromUser(user))
		return nil
	}

	for _, ref := range refs {
		switch ref.Kind {
		case domain.RecipientUser:
			if err := addUser(ref.ID); err != nil {
				return nil, err
			}
		case domain.RecipientGroup:
			group, err := r.source.Group(ctx, ref.ID)
			if err != nil {
				if errors.Is(err, domain.ErrConfigNotFound) {
					r.logger.Warn("recipient group skipped", "group_id", ref.ID, "error", err)
					continue
				}
				return nil, fmt.Errorf("load group %d: %w", ref.ID, err)
			}
			for _, memberID := range group.MemberIDs {
				if err := addUser(memberID); err != nil {
					return nil, err
				}
			}
		default:
			r.logger.Warn("recipient reference has unknown type", "ref", ref.String())
		}
	}
	return out, nil
}

// ForChannel keeps recipients with an address for channel.
func ForChannel(recipients []Recipient, channel domain.Channel) []Recipient {
	out := make([]Recipient, 0, len(recipients))
	for _, recipient := range recipients {
		if _, ok := recipient.Address(channel); ok {
			out = append(out, recipient)
		}
	}
	return out
}
