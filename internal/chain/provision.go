package chain

import (
	"context"
	"strconv"
	"strings"
	"time"

	"aquachain/api/internal/revision"
	"go.uber.org/zap"
)

// LicenceGrant is a subscription a licence document grants to the scope that
// saved it.
type LicenceGrant struct {
	Scope        string
	GenesisHash  string
	PackageID    string
	DurationDays int
	// UserLimit is 0 for an unlimited licence.
	UserLimit int
	Sender    string
	Receivers []string
}

// Provisioner acts on licence grants. It runs after the tree committed and
// its failures never affect the saved chain.
type Provisioner interface {
	ProvisionLicence(ctx context.Context, grant LicenceGrant) error
}

// LogProvisioner records grants without acting on them.
type LogProvisioner struct {
	Logger *zap.Logger
}

func (p LogProvisioner) ProvisionLicence(_ context.Context, grant LicenceGrant) error {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("licence granted",
		zap.String("scope", grant.Scope),
		zap.String("genesis", grant.GenesisHash),
		zap.String("package", grant.PackageID),
		zap.Int("durationDays", grant.DurationDays),
		zap.Int("userLimit", grant.UserLimit),
	)
	return nil
}

// licenceGrant reads the grant a licence tree carries for scope. The sender
// of a licence and scopes outside an explicit receiver list get nothing.
func licenceGrant(tree revision.Tree, scope string) (LicenceGrant, bool) {
	genesis, err := revision.Genesis(tree)
	if err != nil {
		return LicenceGrant{}, false
	}
	form, ok := genesis.Payload.(revision.FormPayload)
	if !ok {
		return LicenceGrant{}, false
	}
	packageID, _ := form.Field("package_id")
	if strings.TrimSpace(packageID) == "" {
		return LicenceGrant{}, false
	}
	sender, _ := form.Field("sender")
	if sender != "" && strings.EqualFold(sender, scope) {
		return LicenceGrant{}, false
	}

	grant := LicenceGrant{
		Scope:        scope,
		GenesisHash:  genesis.Hash,
		PackageID:    packageID,
		DurationDays: 30,
		Sender:       sender,
	}
	if v, ok := form.Field("duration_days"); ok {
		if days, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && days > 0 {
			grant.DurationDays = days
		}
	}
	if v, ok := form.Field("users_subscription_limit"); ok {
		if limit, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && limit > 0 {
			grant.UserLimit = limit
		}
	}
	if v, ok := form.Field("receiver"); ok {
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				grant.Receivers = append(grant.Receivers, r)
			}
		}
	}
	if len(grant.Receivers) > 0 && !containsFold(grant.Receivers, scope) {
		return LicenceGrant{}, false
	}
	return grant, true
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

func (e *Engine) provisionAsync(ctx context.Context, grant LicenceGrant) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := e.provisioner.ProvisionLicence(ctx, grant); err != nil {
			e.logger.Error("licence provisioning failed",
				zap.String("scope", grant.Scope),
				zap.String("genesis", grant.GenesisHash),
				zap.Error(err),
			)
		}
	}()
}
