package identity

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/gridgate/internal/clock"
	"pkt.systems/gridgate/internal/loggingutil"
	"pkt.systems/gridgate/internal/store"
	"pkt.systems/gridgate/internal/uid"
	"pkt.systems/pslog"
)

type provisioner struct {
	store      store.Identities
	adminLogin string
	clk        clock.Clock
	logger     pslog.Logger
	created    metric.Int64Counter
}

func newProvisioner(s store.Identities, adminLogin string, clk clock.Clock, logger pslog.Logger) *provisioner {
	p := &provisioner{store: s, adminLogin: adminLogin, clk: clk, logger: logger}
	counter, err := otel.Meter("pkt.systems/gridgate/identity").Int64Counter(
		"gridgate.identity.provisioned",
		metric.WithDescription("Identities created on first external authentication"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "gridgate.identity.provisioned", "error", err)
	} else {
		p.created = counter
	}
	return p
}

// provision inserts a standard user owned by the administrator. When the
// login is taken and derived is set, the existing record is returned only if
// its email matches; a caller-chosen login never adopts an existing identity.
func (p *provisioner) provision(ctx context.Context, strategy, login, email string, derived bool) (*store.Identity, error) {
	logger := loggingutil.FromContextOr(ctx, p.logger)
	if p.adminLogin == "" {
		return nil, fmt.Errorf("%w: no administrator configured", ErrProvisioning)
	}
	admin, err := p.store.IdentityByLogin(ctx, p.adminLogin)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: administrator %q not found", ErrProvisioning, p.adminLogin)
		}
		return nil, fmt.Errorf("%w: load administrator: %v", ErrProvisioning, err)
	}
	password, err := p.randomPassword(login)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvisioning, err)
	}
	if email == "" {
		email = login
	}
	rec := &store.Identity{
		ID:        uid.New(),
		Login:     login,
		Password:  password,
		Email:     email,
		Rights:    store.RightsStandardUser,
		OwnerID:   admin.ID,
		CreatedAt: p.clk.Now(),
	}
	if err := p.store.CreateIdentity(ctx, rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			logger.Debug("identity.provision.conflict", "strategy", strategy, "login", login, "derived", derived)
			if derived {
				existing, lookupErr := p.store.IdentityByLogin(ctx, login)
				if lookupErr == nil && strings.EqualFold(existing.Email, email) {
					return existing, nil
				}
			}
		}
		return nil, fmt.Errorf("%w: can't insert new %s user: %v", ErrProvisioning, strategy, err)
	}
	if p.created != nil {
		p.created.Add(ctx, 1, metric.WithAttributes(attribute.String("gridgate.identity.strategy", strategy)))
	}
	logger.Info("identity.provision.created", "strategy", strategy, "login", login, "identity_id", rec.ID, "owner_id", admin.ID)
	return rec, nil
}

// randomPassword is the hex MD5 of login, a random value and the current time.
func (p *provisioner) randomPassword(login string) (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("random: %w", err)
	}
	sum := md5.Sum([]byte(login + hex.EncodeToString(nonce[:]) + strconv.FormatInt(p.clk.Now().UnixNano(), 10)))
	return hex.EncodeToString(sum[:]), nil
}
