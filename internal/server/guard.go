package server

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"path"

	"onboardgate/internal/flow"
	"onboardgate/internal/gate"
)

// GateChecker reports the onboarding state of a user within an organization.
type GateChecker interface {
	Gate(ctx context.Context, userID, orgID string) (gate.State, error)
}

type GuardConfig struct {
	// OnboardingPath is the UI route that hosts the steps, e.g. /onboarding.
	OnboardingPath string
	// ContinueParam carries the originally requested URI.
	ContinueParam string
	Logger        *log.Logger
}

// RequireOnboarding lets requests through only once the caller has finished
// onboarding. Incomplete callers are sent to the step they are stuck on with
// their original destination preserved. It expects the principal to be on the
// request context already.
func RequireOnboarding(checker GateChecker, cfg GuardConfig) func(http.Handler) http.Handler {
	if cfg.OnboardingPath == "" {
		cfg.OnboardingPath = "/onboarding"
	}
	if cfg.ContinueParam == "" {
		cfg.ContinueParam = "next"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			principal, authErr := principalFromRequest(req.Context())
			if authErr != nil {
				respondStatusError(w, authErr)
				return
			}
			st, err := checker.Gate(req.Context(), principal.UserID, principal.OrgID)
			if err != nil {
				logger.Printf("onboarding gate failed (user_id=%s org_id=%s): %v", principal.UserID, principal.OrgID, err)
				respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "onboarding state unavailable", nil))
				return
			}
			if st.Complete {
				next.ServeHTTP(w, req)
				return
			}
			http.Redirect(w, req, stepURL(cfg.OnboardingPath, st.NextStep, cfg.ContinueParam, req.URL.RequestURI()), http.StatusFound)
		})
	}
}

func stepURL(base string, step flow.StepID, param, continueTo string) string {
	u := url.URL{Path: path.Join("/", base, string(step))}
	u.RawQuery = url.Values{param: {continueTo}}.Encode()
	return u.String()
}
