// Package graph polls an Office 365 mailbox via the Microsoft Graph API,
// a drop-in alternative to the imap package for tenants that disable
// basic IMAP auth in favor of OAuth2 app-only access.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// client wraps an OAuth2 client-credentials HTTP client against the Graph
// API. Token acquisition and refresh is handled by
// golang.org/x/oauth2/clientcredentials instead of the hand-rolled
// _ensure_token/401-retry dance the original client manages itself.
type client struct {
	http      *http.Client
	userEmail string
}

func newClient(tenantID, clientID, clientSecret, userEmail string) *client {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	return &client{http: cfg.Client(context.Background()), userEmail: userEmail}
}

type mailFolder struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type emailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type messageHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// graphMessage mirrors the fields requested via $select — enough to build
// a RawMessage without a separate MIME download.
type graphMessage struct {
	ID                     string          `json:"id"`
	InternetMessageID      string          `json:"internetMessageId"`
	Subject                string          `json:"subject"`
	From                   struct {
		EmailAddress emailAddress `json:"emailAddress"`
	} `json:"from"`
	ToRecipients           []recipient     `json:"toRecipients"`
	CcRecipients           []recipient     `json:"ccRecipients"`
	ReceivedDateTime       string          `json:"receivedDateTime"`
	Body                   messageBody     `json:"body"`
	HasAttachments         bool            `json:"hasAttachments"`
	InternetMessageHeaders []messageHeader `json:"internetMessageHeaders"`
}

type listResponse struct {
	Value []graphMessage `json:"value"`
}

type foldersResponse struct {
	Value []mailFolder `json:"value"`
}

func (c *client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	u := graphBaseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("graph: request %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("graph: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("graph: %s returned %d: %s", endpoint, resp.StatusCode, truncate(string(body), 500))
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("graph: decode response: %w", err)
	}
	return nil
}

func (c *client) listMailFolders(ctx context.Context) ([]mailFolder, error) {
	var out foldersResponse
	endpoint := fmt.Sprintf("/users/%s/mailFolders", c.userEmail)
	if err := c.get(ctx, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

// listMessages lists messages received on or after since, newest first.
func (c *client) listMessages(ctx context.Context, folderID string, since time.Time, top int) ([]graphMessage, error) {
	endpoint := fmt.Sprintf("/users/%s/mailFolders/%s/messages", c.userEmail, folderID)
	params := url.Values{
		"$top":     {fmt.Sprintf("%d", top)},
		"$orderby": {"receivedDateTime desc"},
		"$select":  {"id,subject,from,toRecipients,ccRecipients,receivedDateTime,body,hasAttachments,internetMessageHeaders,internetMessageId"},
		"$filter":  {fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339))},
	}
	var out listResponse
	if err := c.get(ctx, endpoint, params, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

func (c *client) getMessage(ctx context.Context, messageID string) (graphMessage, error) {
	endpoint := fmt.Sprintf("/users/%s/messages/%s", c.userEmail, messageID)
	params := url.Values{
		"$select": {"id,subject,from,toRecipients,ccRecipients,receivedDateTime,body,bodyPreview,hasAttachments,internetMessageHeaders,internetMessageId"},
	}
	var out graphMessage
	err := c.get(ctx, endpoint, params, &out)
	return out, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
