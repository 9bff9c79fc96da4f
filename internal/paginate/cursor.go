package paginate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ouvidoriag/ogfinal-sub001/internal/filter"
)

// Cursor marks the last record of a page. A zero CreatedAt marks a record
// without a creation date; those sort after every dated record.
type Cursor struct {
	CreatedAt time.Time
	ID        primitive.ObjectID
}

type cursorJSON struct {
	CreatedAt string `json:"c"`
	ID        string `json:"i"`
}

// Encode renders c as an opaque URL-safe token.
func (c Cursor) Encode() string {
	cj := cursorJSON{ID: c.ID.Hex()}
	if !c.Undated() {
		cj.CreatedAt = c.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	raw, _ := json.Marshal(cj)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a token produced by Encode. Malformed tokens are
// validation errors.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, badCursor("not base64url")
	}
	var cj cursorJSON
	if err := json.Unmarshal(raw, &cj); err != nil {
		return Cursor{}, badCursor("not a cursor document")
	}
	var createdAt time.Time
	if cj.CreatedAt != "" {
		if createdAt, err = time.Parse(time.RFC3339Nano, cj.CreatedAt); err != nil {
			return Cursor{}, badCursor("bad timestamp")
		}
	}
	id, err := primitive.ObjectIDFromHex(cj.ID)
	if err != nil {
		return Cursor{}, badCursor("bad id")
	}
	return Cursor{CreatedAt: createdAt, ID: id}, nil
}

// Undated reports whether c points at a record without a creation date.
func (c Cursor) Undated() bool {
	return c.CreatedAt.IsZero()
}

func badCursor(reason string) error {
	return &filter.ValidationError{Path: "cursor", Reason: fmt.Sprintf("invalid cursor: %s", reason)}
}
