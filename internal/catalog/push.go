package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/JonMunkholm/trexsync/internal/locale"
)

type upsertStatus struct {
	Key       string  `json:"key"`
	Status    string  `json:"status"`
	EditState string  `json:"editStatus"`
	Message   *string `json:"message"`
	HTTPCode  int     `json:"httpCode"`
}

// PushTranslation writes one label through the OData upsert operation. Any
// rejection, whether an HTTP failure or a non-OK row status, is reported as
// a KindWrite error unless it is an authentication or availability problem.
func (c *Client) PushTranslation(ctx context.Context, entityType, externalID, loc, text string) error {
	const op = "push translation"

	def := Lookup(entityType)
	if def.ReadOnly || def.target == nil {
		return &Error{Kind: KindWrite, Op: op, EntityType: entityType, Err: fmt.Errorf("%s is read-only", entityType)}
	}
	code := locale.Normalize(loc)
	if !locale.Valid(code) {
		return &Error{Kind: KindWrite, Op: op, EntityType: entityType, Err: fmt.Errorf("invalid locale %q", loc)}
	}
	uri, field, err := def.target(externalID, code)
	if err != nil {
		return &Error{Kind: KindWrite, Op: op, EntityType: entityType, Err: err}
	}

	body := map[string]any{
		"__metadata": map[string]string{"uri": uri},
		field:        text,
	}
	resp, err := c.do(ctx, call{
		op:         op,
		entityType: entityType,
		method:     http.MethodPost,
		path:       "/upsert",
		query:      url.Values{"$format": {"json"}},
		body:       body,
	})
	if err != nil {
		var ce *Error
		if errors.As(err, &ce) && (ce.Kind == KindProtocol || ce.Kind == KindNotFound) {
			ce.Kind = KindWrite
		}
		return err
	}

	var env struct {
		D []upsertStatus `json:"d"`
	}
	if err := json.Unmarshal(resp, &env); err != nil {
		return &Error{Kind: KindWrite, Op: op, EntityType: entityType, Err: fmt.Errorf("unreadable upsert response: %w", err)}
	}
	if len(env.D) == 0 {
		return &Error{Kind: KindWrite, Op: op, EntityType: entityType, Err: errors.New("upsert returned no status")}
	}
	for _, st := range env.D {
		if !strings.EqualFold(st.Status, "OK") {
			msg := st.Status
			if st.Message != nil && *st.Message != "" {
				msg = *st.Message
			}
			return &Error{Kind: KindWrite, Op: op, EntityType: entityType, Status: st.HTTPCode, Err: fmt.Errorf("%s: %s", externalID, msg)}
		}
	}
	return nil
}
