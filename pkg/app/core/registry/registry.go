// Package registry stores standing orders and their lifecycle flags.
package registry

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperexchange/pkg/errs"
)

// Order is a standing offer: Owner gives AmountGive of TokenGive in exchange
// for AmountGet of TokenGet. Fields never change after creation.
type Order struct {
	ID         uint64
	Owner      common.Address
	TokenGet   common.Address
	AmountGet  *uint256.Int
	TokenGive  common.Address
	AmountGive *uint256.Int
	Timestamp  int64 // unix seconds
}

func (o Order) clone() Order {
	o.AmountGet = o.AmountGet.Clone()
	o.AmountGive = o.AmountGive.Clone()
	return o
}

// Status holds the lifecycle flags of an order. At most one flag is ever set.
type Status struct {
	Filled    bool
	Cancelled bool
}

// Terminal reports whether the order can no longer change state.
func (s Status) Terminal() bool { return s.Filled || s.Cancelled }

func (s Status) String() string {
	switch {
	case s.Filled:
		return "filled"
	case s.Cancelled:
		return "cancelled"
	default:
		return "open"
	}
}

// Record is an order together with its status.
type Record struct {
	Order  Order
	Status Status
}

// Change is a staged registry mutation; Record holds the order state after it.
type Change struct {
	Record  Record
	Created bool
}

// Registry is not safe for concurrent use; the engine serialises access.
type Registry struct {
	orders map[uint64]*Record
	count  uint64
}

// New returns an empty registry whose first order id is 1.
func New() *Registry {
	return &Registry{orders: make(map[uint64]*Record)}
}

// Load restores records and the order counter from storage.
func (r *Registry) Load(records []Record, count uint64) {
	r.orders = make(map[uint64]*Record, len(records))
	for _, rec := range records {
		rec := Record{Order: rec.Order.clone(), Status: rec.Status}
		r.orders[rec.Order.ID] = &rec
	}
	r.count = count
}

// Count returns the number of orders ever created.
func (r *Registry) Count() uint64 { return r.count }

// Get returns a copy of the order with the given id.
func (r *Registry) Get(id uint64) (Order, bool) {
	rec, ok := r.orders[id]
	if !ok {
		return Order{}, false
	}
	return rec.Order.clone(), true
}

// Status returns the flags of id; unknown ids report neither flag.
func (r *Registry) Status(id uint64) Status {
	if rec, ok := r.orders[id]; ok {
		return rec.Status
	}
	return Status{}
}

// Create stages a new order with the next counter value.
func (r *Registry) Create(owner, tokenGet common.Address, amountGet *uint256.Int, tokenGive common.Address, amountGive *uint256.Int, ts int64) Change {
	o := Order{
		ID:         r.count + 1,
		Owner:      owner,
		TokenGet:   tokenGet,
		AmountGet:  amountGet.Clone(),
		TokenGive:  tokenGive,
		AmountGive: amountGive.Clone(),
		Timestamp:  ts,
	}
	return Change{Record: Record{Order: o}, Created: true}
}

// Fill stages the Open -> Filled transition.
func (r *Registry) Fill(id uint64) (Change, error) {
	rec, ok := r.orders[id]
	if !ok {
		return Change{}, errs.New(errs.CodeOrderNotFound, "order %d", id)
	}
	if rec.Status.Terminal() {
		return Change{}, errs.New(errs.CodeAlreadyTerminal, "order %d is %s", id, rec.Status)
	}
	return Change{Record: Record{Order: rec.Order.clone(), Status: Status{Filled: true}}}, nil
}

// Cancel stages the Open -> Cancelled transition for the order's owner.
func (r *Registry) Cancel(id uint64, caller common.Address) (Change, error) {
	rec, ok := r.orders[id]
	if !ok {
		return Change{}, errs.New(errs.CodeOrderNotFound, "order %d", id)
	}
	if rec.Order.Owner != caller {
		return Change{}, errs.New(errs.CodeUnauthorized, "order %d belongs to %s", id, rec.Order.Owner.Hex())
	}
	if rec.Status.Terminal() {
		return Change{}, errs.New(errs.CodeAlreadyTerminal, "order %d is %s", id, rec.Status)
	}
	return Change{Record: Record{Order: rec.Order.clone(), Status: Status{Cancelled: true}}}, nil
}

// Apply commits a staged change.
func (r *Registry) Apply(c Change) {
	rec := Record{Order: c.Record.Order.clone(), Status: c.Record.Status}
	r.orders[rec.Order.ID] = &rec
	if c.Created && rec.Order.ID > r.count {
		r.count = rec.Order.ID
	}
}

// Records returns every order ascending by id.
func (r *Registry) Records() []Record {
	out := make([]Record, 0, len(r.orders))
	for _, rec := range r.orders {
		out = append(out, Record{Order: rec.Order.clone(), Status: rec.Status})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order.ID < out[j].Order.ID })
	return out
}

// Open returns the orders that are neither filled nor cancelled, ascending by id.
func (r *Registry) Open() []Order {
	var out []Order
	for _, rec := range r.Records() {
		if !rec.Status.Terminal() {
			out = append(out, rec.Order)
		}
	}
	return out
}
