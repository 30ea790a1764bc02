package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/publicsuffix"
)

func TestExtractPageTokenPrecedence(t *testing.T) {
	full := `<html><head><meta name="csrf-token" content="from-meta"></head>
<body><div class="xblock" data-csrf-token="from-dom"></div>
<form><input type="hidden" name="csrfmiddlewaretoken" value="from-form"></form></body></html>`
	token, err := ExtractPageToken(strings.NewReader(full))
	require.NoError(t, err)
	assert.Equal(t, "from-dom", token)

	noDOM := `<html><head><meta name="csrf-token" content="from-meta"></head>
<body><form><input type="hidden" name="csrfmiddlewaretoken" value="from-form"></form></body></html>`
	token, err = ExtractPageToken(strings.NewReader(noDOM))
	require.NoError(t, err)
	assert.Equal(t, "from-form", token)

	token, err = ExtractPageToken(strings.NewReader(`<p>nothing here</p>`))
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestCookieTokenSource(t *testing.T) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	require.NoError(t, err)
	u, err := url.Parse("https://lms.example.com/courses")
	require.NoError(t, err)
	jar.SetCookies(u, []*http.Cookie{{Name: "sessionid", Value: "s"}, {Name: "csrftoken", Value: "from-cookie"}})

	token, err := CookieTokenSource{Jar: jar, URL: u}.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-cookie", token)
}

func TestChainPrefersExplicitTokenAndSkipsFailures(t *testing.T) {
	failing := TokenFunc(func(context.Context) (string, error) { return "", errors.New("page offline") })
	token, err := Chain{StaticToken("explicit"), failing}.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "explicit", token)

	token, err = Chain{StaticToken(" "), failing, StaticToken("fallback")}.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fallback", token)

	token, err = Chain{failing}.Token(context.Background())
	require.Error(t, err)
	assert.Empty(t, token)
}
