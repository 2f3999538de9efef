package catalog

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
)

// Iterator pages through the records of one entity type. It is lazy: a page
// is requested only when the previous one is used up. It cannot be rewound;
// call FetchEntities again to start over from the first page.
//
//	it := client.FetchEntities(ctx, "FOCompany", 0)
//	for it.Next() {
//		e := it.Entity()
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	c        *Client
	ctx      context.Context
	def      EntityType
	pageSize int

	skip  int
	buf   []Entity
	cur   Entity
	done  bool
	err   error
	final error // reported once buf is drained, for static iterators
	pages int
}

// FetchEntities returns an iterator over entityType. A pageSize of zero uses
// the client's configured size.
func (c *Client) FetchEntities(ctx context.Context, entityType string, pageSize int) *Iterator {
	if pageSize <= 0 {
		pageSize = c.cfg.PageSize
	}
	return &Iterator{c: c, ctx: ctx, def: Lookup(entityType), pageSize: pageSize}
}

// StaticIterator yields entities and then fails with err, if not nil. It
// stands in for a remote catalog in tests and offline tooling.
func StaticIterator(entities []Entity, err error) *Iterator {
	buf := append([]Entity(nil), entities...)
	return &Iterator{buf: buf, done: true, final: err}
}

// Next advances to the next entity. It returns false when the records are
// exhausted or a page request failed; check Err to tell the two apart.
func (it *Iterator) Next() bool {
	for len(it.buf) == 0 {
		if it.err != nil {
			return false
		}
		if it.done {
			it.err = it.final
			return false
		}
		it.fetch()
	}
	it.cur, it.buf = it.buf[0], it.buf[1:]
	return true
}

// Entity returns the current entity.
func (it *Iterator) Entity() Entity {
	return it.cur
}

// Err returns the error that stopped iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Pages returns the number of pages requested so far.
func (it *Iterator) Pages() int {
	return it.pages
}

func (it *Iterator) fetch() {
	if it.def.ReadOnly || it.def.decode == nil {
		it.err = &Error{Kind: KindNotFound, Op: "fetch entities", EntityType: it.def.Name, Err: ErrNotFound}
		return
	}

	q := url.Values{
		"$format": {"json"},
		"$top":    {strconv.Itoa(it.pageSize)},
		"$skip":   {strconv.Itoa(it.skip)},
	}
	if it.def.Expand != "" {
		q.Set("$expand", it.def.Expand)
	}
	if it.def.OrderBy != "" {
		q.Set("$orderby", it.def.OrderBy)
	}

	body, err := it.c.get(it.ctx, "fetch entities", it.def.Name, "/"+it.def.EntitySet, q)
	it.pages++
	if err != nil {
		it.err = err
		return
	}

	var env struct {
		D json.RawMessage `json:"d"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		it.err = &Error{Kind: KindProtocol, Op: "fetch entities", EntityType: it.def.Name, Err: err}
		return
	}
	recs, err := results(env.D)
	if err != nil {
		it.err = &Error{Kind: KindProtocol, Op: "fetch entities", EntityType: it.def.Name, Err: err}
		return
	}

	for _, rec := range recs {
		raw, err := json.Marshal(rec)
		if err != nil {
			it.err = &Error{Kind: KindProtocol, Op: "fetch entities", EntityType: it.def.Name, Err: err}
			return
		}
		ents, err := it.def.decode(raw)
		if err != nil {
			it.err = &Error{Kind: KindProtocol, Op: "fetch entities", EntityType: it.def.Name, Err: err}
			return
		}
		it.buf = append(it.buf, ents...)
	}

	it.skip += len(recs)
	if len(recs) < it.pageSize {
		it.done = true
	}
}

// Collect drains the iterator.
func (it *Iterator) Collect() ([]Entity, error) {
	var out []Entity
	for it.Next() {
		out = append(out, it.Entity())
	}
	return out, it.Err()
}
