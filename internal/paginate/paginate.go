// Package paginate lists records in a stable newest-first order using
// keyset cursors instead of offsets.
package paginate

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ouvidoriag/ogfinal-sub001/internal/aggregate"
	"github.com/ouvidoriag/ogfinal-sub001/internal/record"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/config"
)

// Page is one slice of the listing.
type Page struct {
	Data          []record.Record `json:"data"`
	NextCursor    string          `json:"nextCursor,omitempty"`
	HasMore       bool            `json:"hasMore"`
	PageSize      int             `json:"pageSize"`
	TotalReturned int             `json:"totalReturned"`
}

// Paginator reads pages from the record collection.
type Paginator struct {
	coll   aggregate.Collection
	cfg    config.PaginationConfig
	logger *slog.Logger
}

// New creates a Paginator.
func New(coll aggregate.Collection, cfg config.PaginationConfig) *Paginator {
	return &Paginator{
		coll:   coll,
		cfg:    cfg,
		logger: slog.Default().With("component", "paginator"),
	}
}

// PageSize clamps a requested size to the configured bounds.
func (p *Paginator) PageSize(requested int) int {
	switch {
	case requested <= 0:
		return p.cfg.DefaultPageSize
	case p.cfg.MaxPageSize > 0 && requested > p.cfg.MaxPageSize:
		return p.cfg.MaxPageSize
	default:
		return requested
	}
}

// Paginate returns the page of records matching query that comes strictly
// after cursor in (createdAt desc, _id desc) order, undated records last. An
// empty cursor starts at the newest record.
func (p *Paginator) Paginate(ctx context.Context, query bson.M, pageSize int, cursor string) (*Page, error) {
	size := p.PageSize(pageSize)
	match := query
	if cursor != "" {
		c, err := DecodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		match = After(query, c)
	}
	if match == nil {
		match = bson.M{}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: record.FieldCreatedAt, Value: -1}, {Key: record.FieldID, Value: -1}}).
		SetLimit(int64(size + 1))
	cur, err := p.coll.Find(ctx, match, opts)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", aggregate.Classify(err))
	}
	var docs []record.Record
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding records: %w", aggregate.Classify(err))
	}

	page := &Page{PageSize: size}
	if len(docs) > size {
		page.HasMore = true
		docs = docs[:size]
	}
	if docs == nil {
		docs = []record.Record{}
	}
	page.Data = docs
	page.TotalReturned = len(docs)
	if page.HasMore {
		last := docs[len(docs)-1]
		page.NextCursor = Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.Encode()
	}
	p.logger.Debug("page listed", "size", size, "returned", page.TotalReturned, "has_more", page.HasMore)
	return page, nil
}

// After restricts query to records strictly before c in listing order.
// Records with a missing or null createdAt come after all dated records.
func After(query bson.M, c Cursor) bson.M {
	var boundary bson.M
	if c.Undated() {
		boundary = bson.M{record.FieldCreatedAt: nil, record.FieldID: bson.M{"$lt": c.ID}}
	} else {
		boundary = bson.M{"$or": bson.A{
			bson.M{record.FieldCreatedAt: bson.M{"$lt": c.CreatedAt}},
			bson.M{record.FieldCreatedAt: c.CreatedAt, record.FieldID: bson.M{"$lt": c.ID}},
			bson.M{record.FieldCreatedAt: nil},
		}}
	}
	if len(query) == 0 {
		return boundary
	}
	return bson.M{"$and": bson.A{query, boundary}}
}
