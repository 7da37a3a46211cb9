package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
)

// Operation names as they appear in logs and outcomes
const (
	OpGetVersion     = "GetVersion"
	OpGetUserDetails = "GetUserDetails"
	OpGetCurrentUser = "GetCurrentUser"
	OpCreateKey      = "CreateKey"
	OpDeleteKey      = "DeleteKey"
)

// ExpiryLayout is the timestamp format the API expects for expiryTime
const ExpiryLayout = "2006-01-02T15:04:05Z"

var (
	// ErrNoMatchingUser means the directory lookup returned zero records
	ErrNoMatchingUser = errors.New("no user matches the requested username")
	// ErrMalformedResponse means a 2xx body lacked the expected fields
	ErrMalformedResponse = errors.New("malformed response body")
	// ErrEmptyKeyID means a deletion was requested without a key id
	ErrEmptyKeyID = errors.New("key id is empty")
)

// Key is one entry of an account's key list. The API reports only the
// key's leading characters, never the full secret.
type Key struct {
	ID           string
	Prefix       string
	CreationTime time.Time
}

func versionRequest() request {
	return request{operation: OpGetVersion, method: http.MethodGet, path: "/config/version"}
}

func userDetailsRequest(username string) (request, error) {
	q, err := json.Marshal(map[string]string{"username": username})
	if err != nil {
		return request{}, err
	}
	return request{
		operation: OpGetUserDetails,
		method:    http.MethodGet,
		path:      "/users",
		query:     url.Values{"q": []string{string(q)}},
	}, nil
}

func currentUserRequest(userID string) request {
	return request{
		operation: OpGetCurrentUser,
		method:    http.MethodGet,
		path:      "/users/" + url.PathEscape(userID),
	}
}

type createKeyBody struct {
	Name       string `json:"name"`
	ExpiryTime string `json:"expiryTime"`
}

func createKeyRequest(userID string, expiry time.Time) request {
	return request{
		operation: OpCreateKey,
		method:    http.MethodPost,
		path:      "/users/" + url.PathEscape(userID) + "/keys",
		body: createKeyBody{
			Name:       "",
			ExpiryTime: expiry.UTC().Format(ExpiryLayout),
		},
	}
}

func deleteKeyRequest(userID, keyID string) request {
	return request{
		operation: OpDeleteKey,
		method:    http.MethodDelete,
		path:      "/users/" + url.PathEscape(userID) + "/keys/" + url.PathEscape(keyID),
	}
}

// GetVersion probes the service. The version string is returned verbatim.
func (c *Client) GetVersion(ctx context.Context) (string, *Outcome) {
	o := c.do(ctx, versionRequest())
	defer c.report(o)
	if !o.OK {
		return "", o
	}
	if v := gjson.GetBytes(o.Body, "data"); v.Exists() {
		return v.String(), o
	}
	return string(o.Body), o
}

// GetUserDetails looks up the account id of username. The first matching
// record wins; zero matches is a failed outcome wrapping ErrNoMatchingUser.
func (c *Client) GetUserDetails(ctx context.Context, username string) (string, *Outcome) {
	r, err := userDetailsRequest(username)
	if err != nil {
		o := (&Outcome{Operation: OpGetUserDetails}).fail(err)
		c.report(o)
		return "", o
	}

	o := c.do(ctx, r)
	defer c.report(o)
	if !o.OK {
		return "", o
	}
	if !gjson.ValidBytes(o.Body) {
		return "", o.fail(ErrMalformedResponse)
	}

	data := gjson.GetBytes(o.Body, "data")
	if !data.IsArray() || len(data.Array()) == 0 {
		return "", o.fail(fmt.Errorf("%w: %q", ErrNoMatchingUser, username))
	}
	id := data.Get("0.id")
	if !id.Exists() || id.String() == "" {
		return "", o.fail(fmt.Errorf("%w: user record without id", ErrMalformedResponse))
	}
	return id.String(), o
}

// GetCurrentUser fetches the key list of the account
func (c *Client) GetCurrentUser(ctx context.Context, userID string) ([]Key, *Outcome) {
	o := c.do(ctx, currentUserRequest(userID))
	defer c.report(o)
	if !o.OK {
		return nil, o
	}
	if !gjson.ValidBytes(o.Body) {
		return nil, o.fail(ErrMalformedResponse)
	}

	keys, err := parseKeys(gjson.GetBytes(o.Body, "data.keys"))
	if err != nil {
		return nil, o.fail(err)
	}
	return keys, o
}

func parseKeys(list gjson.Result) ([]Key, error) {
	if !list.Exists() {
		return []Key{}, nil
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: data.keys is not a list", ErrMalformedResponse)
	}

	keys := make([]Key, 0, len(list.Array()))
	var parseErr error
	list.ForEach(func(_, entry gjson.Result) bool {
		id := entry.Get("id").String()
		if id == "" {
			// DELETE /users/{id}/keys/ would address the whole collection
			parseErr = fmt.Errorf("%w: key entry %d has no id", ErrMalformedResponse, len(keys))
			return false
		}
		created, err := time.Parse(time.RFC3339Nano, entry.Get("creationTime").String())
		if err != nil {
			parseErr = fmt.Errorf("%w: key %s has invalid creationTime: %v", ErrMalformedResponse, id, err)
			return false
		}
		keys = append(keys, Key{
			ID:           id,
			Prefix:       entry.Get("key").String(),
			CreationTime: created.UTC(),
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return keys, nil
}

// CreateKey mints a new key for the account expiring at expiry (UTC) and
// returns its full secret value.
func (c *Client) CreateKey(ctx context.Context, userID string, expiry time.Time) (string, *Outcome) {
	o := c.do(ctx, createKeyRequest(userID, expiry))
	defer c.report(o)
	if !o.OK {
		return "", o
	}

	key := gjson.GetBytes(o.Body, "data.key").String()
	if key == "" {
		return "", o.fail(fmt.Errorf("%w: no data.key in response", ErrMalformedResponse))
	}
	// The response body carries the new secret; scrub it before report logs it.
	c.logger.AddSecret(key)
	return key, o
}

// DeleteKey retires one key by id. An empty id is refused without a request.
func (c *Client) DeleteKey(ctx context.Context, userID, keyID string) *Outcome {
	if keyID == "" {
		o := (&Outcome{Operation: OpDeleteKey}).fail(ErrEmptyKeyID)
		c.report(o)
		return o
	}
	o := c.do(ctx, deleteKeyRequest(userID, keyID))
	c.report(o)
	return o
}
