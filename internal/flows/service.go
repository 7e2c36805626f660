package flows

import "context"

// Service is the centralized token flow runner built once by the root engine.
type Service struct {
	deps Deps
}

// New returns a flow service with immutable dependency wiring.
func New(deps Deps) Service {
	return Service{deps: deps}
}

// Initialized reports whether the service has been wired with flow deps.
func (s Service) Initialized() bool {
	return s.deps.Validate.ParseAccess != nil
}

func (s Service) Refresh(ctx context.Context, refreshToken string) RefreshResult {
	return RunRefresh(ctx, refreshToken, s.deps.Refresh)
}

func (s Service) Validate(ctx context.Context, tokenStr string) ValidateResult {
	return RunValidate(ctx, tokenStr, s.deps.Validate)
}

func (s Service) Logout(ctx context.Context, sessionID string) error {
	return RunLogout(ctx, sessionID, s.deps.Logout)
}

func (s Service) LogoutAll(ctx context.Context, userID string) error {
	return RunLogoutAll(ctx, userID, s.deps.Logout)
}

func (s Service) LogoutByAccessToken(ctx context.Context, tokenStr string) LogoutResult {
	return RunLogoutByAccessToken(ctx, tokenStr, s.deps.Logout)
}

func (s Service) LogoutByRefreshToken(ctx context.Context, refreshToken string) LogoutResult {
	return RunLogoutByRefreshToken(ctx, refreshToken, s.deps.Logout)
}
