package identity

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUnauthorized signals the caller lacks the role a configuration
	// mutation requires.
	ErrUnauthorized = errors.New("identity: unauthorized")
	// ErrBadVerifierKey signals the presented verifier API key does not match.
	ErrBadVerifierKey = errors.New("identity: verifier key mismatch")
)

// ConfigStore is the persistence surface the service needs; satisfied by
// *Repository and by fakes in tests.
type ConfigStore interface {
	Get(ctx context.Context) (Config, error)
	SetOwner(ctx context.Context, owner Principal) error
	SetAdmin(ctx context.Context, admin Principal) error
	SetOffChainServer(ctx context.Context, server Principal) error
	SetVerifierKeyHash(ctx context.Context, hash string) error
}

// Service guards mutations of the process-wide role configuration. Only the
// current owner may change any of it.
type Service struct {
	store ConfigStore
}

func NewService(store ConfigStore) *Service {
	return &Service{store: store}
}

func (s *Service) GetConfig(ctx context.Context) (Config, error) {
	return s.store.Get(ctx)
}

func (s *Service) GetOwner(ctx context.Context) (Principal, error) {
	cfg, err := s.store.Get(ctx)
	if err != nil {
		return Anonymous, err
	}
	return cfg.Owner, nil
}

func (s *Service) SetOwner(ctx context.Context, caller, newOwner Principal) error {
	if err := s.requireOwner(ctx, caller); err != nil {
		return err
	}
	if newOwner == Anonymous {
		return fmt.Errorf("identity: new owner required")
	}
	return s.store.SetOwner(ctx, newOwner)
}

func (s *Service) SetAdmin(ctx context.Context, caller, admin Principal) error {
	if err := s.requireOwner(ctx, caller); err != nil {
		return err
	}
	return s.store.SetAdmin(ctx, admin)
}

func (s *Service) SetOffChainServer(ctx context.Context, caller, server Principal) error {
	if err := s.requireOwner(ctx, caller); err != nil {
		return err
	}
	return s.store.SetOffChainServer(ctx, server)
}

// SetVerifierKey stores a bcrypt hash of the off-chain verifier's API key so
// settlement confirmations can be double-checked against it.
func (s *Service) SetVerifierKey(ctx context.Context, caller Principal, key string) error {
	if err := s.requireOwner(ctx, caller); err != nil {
		return err
	}
	if len(key) < 16 {
		return fmt.Errorf("identity: verifier key must be at least 16 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("identity: hash verifier key: %w", err)
	}
	return s.store.SetVerifierKeyHash(ctx, string(hash))
}

// VerifyAPIKey compares a presented verifier API key with the stored hash.
func (s *Service) VerifyAPIKey(ctx context.Context, key string) error {
	cfg, err := s.store.Get(ctx)
	if err != nil {
		return err
	}
	if cfg.VerifierKeyHash == "" {
		return ErrBadVerifierKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cfg.VerifierKeyHash), []byte(key)); err != nil {
		return ErrBadVerifierKey
	}
	return nil
}

func (s *Service) requireOwner(ctx context.Context, caller Principal) error {
	cfg, err := s.store.Get(ctx)
	if err != nil {
		return err
	}
	if caller == Anonymous || caller != cfg.Owner {
		return ErrUnauthorized
	}
	return nil
}
