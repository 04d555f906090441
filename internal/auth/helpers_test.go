package auth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/token-auth-service/internal/observability"
	"github.com/spec-kit/token-auth-service/pkg/tokens"
	apperrors "github.com/spec-kit/token-auth-service/pkg/util/errorutil"
)

var issuedAt = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

type subject string

func (s subject) SubjectID() any { return string(s) }

func newTestManager(t *testing.T, mutate ...func(*tokens.Options)) (*TokenManager, *observability.Metrics) {
	t.Helper()
	opts := tokens.Options{
		SigningKey: "test-secret",
		Clock:      func() time.Time { return issuedAt },
	}
	for _, m := range mutate {
		m(&opts)
	}
	settings, err := tokens.NewSettings(opts)
	require.NoError(t, err)
	metrics := observability.NewMetrics()
	return NewTokenManager(settings, metrics, nil), metrics
}

func newTestApp(handlers ...fiber.Handler) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			de := apperrors.ToDomainError(err)
			return c.Status(de.HTTPStatus).JSON(fiber.Map{"error": fiber.Map{
				"code":    de.Code,
				"message": de.Message,
				"details": de.Details,
			}})
		},
	})
	app.Get("/", handlers...)
	return app
}

func get(t *testing.T, app *fiber.App, header, value string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func scrape(t *testing.T, m *observability.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}
