package dms

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Service is the entry point for user-driven operations: accounts,
// check-ins, and switch creation, editing, and cancellation.
type Service struct {
	repo    Repository
	store   ContentStore
	tiers   Tiers
	clock   Clock
	idgen   IDGenerator
	logger  Logger
	codeTTL time.Duration
}

// NewService creates a Service. codeTTL bounds how long a reminder's
// check-in code stays redeemable.
func NewService(repo Repository, store ContentStore, tiers Tiers, clock Clock, idgen IDGenerator, logger Logger, codeTTL time.Duration) *Service {
	if codeTTL <= 0 {
		codeTTL = 7 * 24 * time.Hour
	}
	return &Service{
		repo:    repo,
		store:   store,
		tiers:   tiers,
		clock:   clock,
		idgen:   idgen,
		logger:  logger,
		codeTTL: codeTTL,
	}
}

func (s *Service) tierFor(account *Account) (Tier, error) {
	tier, ok := s.tiers.Lookup(account.Tier)
	if !ok {
		return Tier{}, fmt.Errorf("account %s has unknown tier %q", account.ID, account.Tier)
	}
	return tier, nil
}

// CreateAccount registers an account on a tier with an initial relay list.
// The account counts as checked in at creation.
func (s *Service) CreateAccount(ctx context.Context, tierName string, relays []string) (*Account, error) {
	tier, ok := s.tiers.Lookup(tierName)
	if !ok {
		return nil, fmt.Errorf("unknown tier: %q", tierName)
	}
	urls, err := normalizeRelays(relays, tier)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	account := &Account{
		ID:              s.idgen.New(),
		Tier:            tier.Name,
		LastCheckInAt:   now,
		ActiveRelayURLs: urls,
		CreatedAt:       now,
	}
	if err := s.repo.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}

	s.logger.Info("account created", "account", account.ID, "tier", tier.Name, "relays", len(urls))
	return account, nil
}

// GetAccount returns an account or ErrNotFound.
func (s *Service) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	account, err := s.repo.FindAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("finding account: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, accountID)
	}
	return account, nil
}

// SetRelays replaces the account's ordered relay list. Existing switches
// keep the relay set they were stored with.
func (s *Service) SetRelays(ctx context.Context, accountID string, relays []string) error {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	tier, err := s.tierFor(account)
	if err != nil {
		return err
	}
	urls, err := normalizeRelays(relays, tier)
	if err != nil {
		return err
	}
	if err := s.repo.SetAccountRelays(ctx, accountID, urls); err != nil {
		return fmt.Errorf("setting relays: %w", err)
	}
	s.logger.Info("relays updated", "account", accountID, "relays", len(urls))
	return nil
}

// normalizeRelays trims, de-duplicates (keeping first position) and
// enforces the tier's relay limit.
func normalizeRelays(relays []string, tier Tier) ([]string, error) {
	urls := make([]string, 0, len(relays))
	for _, r := range relays {
		r = strings.TrimSpace(r)
		if r == "" || slices.Contains(urls, r) {
			continue
		}
		urls = append(urls, r)
	}
	if tier.MaxRelays > 0 && len(urls) > tier.MaxRelays {
		return nil, fmt.Errorf("%w: tier %s allows %d relays, got %d", ErrQuotaExceeded, tier.Name, tier.MaxRelays, len(urls))
	}
	return urls, nil
}

// CheckIn records activity for the account. Any switch sitting in a
// reminder stage goes back to ACTIVE; triggered switches are unaffected.
func (s *Service) CheckIn(ctx context.Context, accountID string) (int, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return 0, err
	}
	reset, err := s.repo.CheckIn(ctx, accountID, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("checking in: %w", err)
	}
	s.logger.Info("checked in", "account", accountID, "reset", reset)
	return reset, nil
}

// IssueCheckInCode creates a one-time code that checks the account in
// when redeemed. Only its hash is stored.
func (s *Service) IssueCheckInCode(ctx context.Context, accountID string) (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating code: %w", err)
	}
	code := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)

	now := s.clock.Now()
	if err := s.repo.CreateCheckInCode(ctx, hashCode(code), accountID, now, now.Add(s.codeTTL)); err != nil {
		return "", fmt.Errorf("storing check-in code: %w", err)
	}
	return code, nil
}

// RedeemCheckInCode consumes a code and checks its account in.
func (s *Service) RedeemCheckInCode(ctx context.Context, code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	accountID, err := s.repo.ConsumeCheckInCode(ctx, hashCode(code), s.clock.Now())
	if err != nil {
		return "", err
	}
	if _, err := s.CheckIn(ctx, accountID); err != nil {
		return "", err
	}
	return accountID, nil
}

func hashCode(code string) string {
	sum := blake3.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// SwitchRequest describes a new switch. Payload is already encrypted.
type SwitchRequest struct {
	AccountID      string
	Title          string
	Trigger        Trigger
	RecipientCount int
	Payload        []byte
}

// CreateSwitch stores the payload on the account's relays and, once a
// quorum acknowledged it, records the switch. If the store fails no switch
// is created.
func (s *Service) CreateSwitch(ctx context.Context, req SwitchRequest) (*Switch, error) {
	if err := req.Trigger.Validate(); err != nil {
		return nil, err
	}
	if req.RecipientCount < 0 {
		return nil, fmt.Errorf("recipient count must not be negative")
	}

	account, err := s.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	tier, err := s.tierFor(account)
	if err != nil {
		return nil, err
	}

	open, err := s.repo.CountOpenSwitches(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("counting switches: %w", err)
	}
	if tier.MaxActiveSwitches > 0 && open >= tier.MaxActiveSwitches {
		return nil, fmt.Errorf("%w: tier %s allows %d active switches", ErrQuotaExceeded, tier.Name, tier.MaxActiveSwitches)
	}

	ref, err := s.storeContent(ctx, account, tier, req.Payload)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	sw := &Switch{
		ID:             s.idgen.New(),
		AccountID:      account.ID,
		Title:          req.Title,
		Trigger:        req.Trigger,
		State:          StateActive,
		Content:        ref,
		RecipientCount: req.RecipientCount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.CreateSwitch(ctx, sw); err != nil {
		return nil, fmt.Errorf("creating switch: %w", err)
	}

	s.logger.Info("switch created", "switch", sw.ID, "account", account.ID, "trigger", sw.Trigger.String(), "acks", len(ref.Acks))
	return sw, nil
}

// storeContent marks the record as pending and replicates it to the
// first ReplicationFactor relays of the account. The marker is cleared
// when a switch takes the record; otherwise the sweeper deletes it from
// the relays.
func (s *Service) storeContent(ctx context.Context, account *Account, tier Tier, payload []byte) (ContentRef, error) {
	relays := account.ActiveRelayURLs
	if tier.ReplicationFactor > 0 && len(relays) > tier.ReplicationFactor {
		relays = relays[:tier.ReplicationFactor]
	}
	if len(relays) == 0 {
		return ContentRef{}, fmt.Errorf("%w: account %s has no relays", ErrInsufficientQuorum, account.ID)
	}

	prepared, err := s.store.Prepare(payload)
	if err != nil {
		return ContentRef{}, fmt.Errorf("preparing content: %w", err)
	}
	pending := &PendingContent{
		EventID:   prepared.Event.ID,
		AccountID: account.ID,
		ContentID: prepared.ContentID,
		RelaySet:  relays,
		CreatedAt: s.clock.Now(),
	}
	if err := s.repo.CreatePendingContent(ctx, pending); err != nil {
		return ContentRef{}, fmt.Errorf("marking pending content: %w", err)
	}

	ref, err := s.store.Publish(ctx, prepared, relays)
	if err != nil {
		return ContentRef{}, fmt.Errorf("storing content: %w", err)
	}
	return ref, nil
}

// EditSwitchContent replaces the payload of an ACTIVE switch. The new
// payload is stored first; the switch is repointed only if it is still
// ACTIVE and still points at the content this call read.
func (s *Service) EditSwitchContent(ctx context.Context, switchID string, payload []byte) (*Switch, error) {
	sw, err := s.GetSwitch(ctx, switchID)
	if err != nil {
		return nil, err
	}
	if sw.State != StateActive {
		return nil, fmt.Errorf("%w: switch %s is %s", ErrNotEditable, sw.ID, sw.State)
	}

	account, err := s.GetAccount(ctx, sw.AccountID)
	if err != nil {
		return nil, err
	}
	tier, err := s.tierFor(account)
	if err != nil {
		return nil, err
	}

	ref, err := s.storeContent(ctx, account, tier, payload)
	if err != nil {
		return nil, err
	}

	if err := s.repo.RepointContent(ctx, sw.ID, sw.Content.EventID, ref); err != nil {
		if errors.Is(err, ErrStateConflict) {
			return nil, fmt.Errorf("%w: switch %s changed during edit", ErrNotEditable, sw.ID)
		}
		return nil, fmt.Errorf("repointing content: %w", err)
	}

	sw.Content = ref
	s.logger.Info("switch content replaced", "switch", sw.ID)
	return sw, nil
}

// CancelSwitch moves a switch to CANCELLED from any state before TRIGGERED.
func (s *Service) CancelSwitch(ctx context.Context, switchID string) error {
	for {
		sw, err := s.GetSwitch(ctx, switchID)
		if err != nil {
			return err
		}
		if !sw.State.Cancellable() {
			return fmt.Errorf("%w: switch %s is %s", ErrNotEditable, sw.ID, sw.State)
		}

		err = s.repo.Advance(ctx, sw.ID, sw.State, StateCancelled)
		if errors.Is(err, ErrStateConflict) {
			// Moved underneath us (reminder or check-in); re-read and retry.
			continue
		}
		if err != nil {
			return fmt.Errorf("cancelling switch: %w", err)
		}
		s.logger.Info("switch cancelled", "switch", sw.ID, "from", sw.State)
		return nil
	}
}

// GetSwitch returns a switch or ErrNotFound.
func (s *Service) GetSwitch(ctx context.Context, switchID string) (*Switch, error) {
	sw, err := s.repo.FindSwitch(ctx, switchID)
	if err != nil {
		return nil, fmt.Errorf("finding switch: %w", err)
	}
	if sw == nil {
		return nil, fmt.Errorf("%w: switch %s", ErrNotFound, switchID)
	}
	return sw, nil
}

// ListSwitches returns the account's switches, oldest first.
func (s *Service) ListSwitches(ctx context.Context, accountID string) ([]*Switch, error) {
	switches, err := s.repo.ListSwitchesByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing switches: %w", err)
	}
	return switches, nil
}

// FetchContent reads back the sealed payload of a switch from its relays.
func (s *Service) FetchContent(ctx context.Context, switchID string) ([]byte, error) {
	sw, err := s.GetSwitch(ctx, switchID)
	if err != nil {
		return nil, err
	}
	payload, err := s.store.Retrieve(ctx, sw.Content)
	if err != nil {
		return nil, fmt.Errorf("retrieving content: %w", err)
	}
	return payload, nil
}
