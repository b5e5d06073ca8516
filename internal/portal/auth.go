package portal

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/nfse-harvester/internal/harvest"
)

var errLoginRejected = errors.New("portal rejected the credentials")

// Authenticator logs into the portal. Every failure it returns carries
// harvest.KindAuthentication, which is never retried.
type Authenticator struct {
	cfg    Config
	logger *zap.Logger
}

// NewAuthenticator returns an Authenticator for cfg.
func NewAuthenticator(cfg Config, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{cfg: cfg, logger: logger.Named("auth")}
}

// Login fills the login form and waits for the logged-in marker. The
// password never reaches the logs.
func (a *Authenticator) Login(ctx context.Context, page harvest.Page, cnpj, password string) error {
	const op = "login"
	sel := a.cfg.Selectors
	if strings.TrimSpace(password) == "" {
		return harvest.E(harvest.KindAuthentication, op, errors.New("password is required"))
	}
	steps := []func() error{
		func() error { return page.Goto(ctx, a.cfg.URL(a.cfg.LoginPath)) },
		func() error { return page.Fill(ctx, sel.LoginUser, harvest.NormalizeCNPJ(cnpj)) },
		func() error { return page.Fill(ctx, sel.LoginPassword, password) },
		func() error { return page.Click(ctx, sel.LoginSubmit) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return harvest.E(harvest.KindAuthentication, op, err)
		}
	}
	if err := page.WaitForSelector(ctx, sel.LoggedIn); err != nil {
		if sel.LoginError != "" {
			if msg, herr := page.HTML(ctx, sel.LoginError); herr == nil && strings.TrimSpace(msg) != "" {
				return harvest.E(harvest.KindAuthentication, op, errLoginRejected)
			}
		}
		return harvest.E(harvest.KindAuthentication, op, err)
	}
	a.logger.Info("logged in", zap.String("cnpj", harvest.MaskCNPJ(cnpj)))
	return nil
}
