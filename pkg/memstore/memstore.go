// Package memstore is an in-memory implementation of the repository
// interfaces. It enforces the same unique keys and conditional updates as the
// Mongo indexes, so service tests exercise the real race outcomes.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"julianmorley.ca/con-plar/storefront/pkg/models"
	"julianmorley.ca/con-plar/storefront/pkg/repository"
)

type usageKey struct {
	user, coupon bson.ObjectID
}

type Store struct {
	mu sync.Mutex

	products      map[bson.ObjectID]models.Product
	coupons       map[bson.ObjectID]models.Coupon
	usages        map[usageKey]models.CouponUsage
	orders        map[bson.ObjectID]models.Order
	carts         map[bson.ObjectID]models.Cart
	customers     map[bson.ObjectID]models.Customer
	inventoryLogs []models.InventoryLog
	failures      []models.SettlementFailure

	faults      map[string][]error
	afterFaults map[string][]error
}

var (
	_ repository.ProductRepository           = (*Store)(nil)
	_ repository.CouponRepository            = (*Store)(nil)
	_ repository.OrderRepository             = (*Store)(nil)
	_ repository.CartRepository              = (*Store)(nil)
	_ repository.CustomerRepository          = (*Store)(nil)
	_ repository.InventoryLogRepository      = (*Store)(nil)
	_ repository.SettlementFailureRepository = (*Store)(nil)
)

func New() *Store {
	return &Store{
		products:  map[bson.ObjectID]models.Product{},
		coupons:   map[bson.ObjectID]models.Coupon{},
		usages:    map[usageKey]models.CouponUsage{},
		orders:    map[bson.ObjectID]models.Order{},
		carts:     map[bson.ObjectID]models.Cart{},
		customers: map[bson.ObjectID]models.Customer{},
		faults:    map[string][]error{},

		afterFaults: map[string][]error{},
	}
}

// FailNext makes the next call of the named method return err instead of
// running. Queued errors are consumed in order.
func (s *Store) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[method] = append(s.faults[method], err)
}

// FailAfter makes the next call of the named method apply its write and then
// return err, the way a store timeout after commit looks to the caller. Only
// ApplyLineStock and RedeemCoupon honour it.
func (s *Store) FailAfter(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterFaults[method] = append(s.afterFaults[method], err)
}

// pop must be called with s.mu held
func pop(queues map[string][]error, method string) error {
	queue := queues[method]
	if len(queue) == 0 {
		return nil
	}
	queues[method] = queue[1:]
	return queue[0]
}

func (s *Store) enter(ctx context.Context, method string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return pop(s.faults, method)
}

func (s *Store) leave(method string) error {
	return pop(s.afterFaults, method)
}

// Products

func (s *Store) FindProductByID(ctx context.Context, id bson.ObjectID) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "FindProductByID"); err != nil {
		return nil, err
	}
	p, ok := s.products[id]
	if !ok {
		return nil, repository.ErrProductNotFound
	}
	return cloneProduct(p), nil
}

func (s *Store) ListProducts(ctx context.Context, filter repository.ProductFilter) ([]*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "ListProducts"); err != nil {
		return nil, err
	}
	out := []*models.Product{}
	for _, p := range s.products {
		if p.Status != models.ProductStatusActive {
			continue
		}
		if filter.Category != "" && p.Category != filter.Category {
			continue
		}
		out = append(out, cloneProduct(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && int64(len(out)) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) CreateProducts(ctx context.Context, products []*models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "CreateProducts"); err != nil {
		return err
	}
	for _, p := range products {
		if p.ID.IsZero() {
			p.ID = bson.NewObjectID()
		}
		p.SetTimestamps()
		s.products[p.ID] = *cloneProduct(*p)
	}
	return nil
}

func (s *Store) AdjustStock(ctx context.Context, id bson.ObjectID, delta int) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "AdjustStock"); err != nil {
		return nil, err
	}
	return s.incStock(id, delta)
}

// incStock must be called with s.mu held
func (s *Store) incStock(id bson.ObjectID, delta int) (*models.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return nil, repository.ErrProductNotFound
	}
	if p.Stock+delta < 0 {
		return nil, repository.ErrInsufficientStock
	}
	p.Stock += delta
	p.UpdatedAt = time.Now()
	s.products[id] = p
	return cloneProduct(p), nil
}

// Coupons

func (s *Store) FindActiveCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "FindActiveCouponByCode"); err != nil {
		return nil, err
	}
	for _, c := range s.coupons {
		if c.Code == code && c.IsActive {
			return cloneCoupon(c), nil
		}
	}
	return nil, repository.ErrCouponNotFound
}

func (s *Store) FindCouponByID(ctx context.Context, id bson.ObjectID) (*models.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "FindCouponByID"); err != nil {
		return nil, err
	}
	c, ok := s.coupons[id]
	if !ok {
		return nil, repository.ErrCouponNotFound
	}
	return cloneCoupon(c), nil
}

func (s *Store) ListCoupons(ctx context.Context) ([]*models.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "ListCoupons"); err != nil {
		return nil, err
	}
	out := []*models.Coupon{}
	for _, c := range s.coupons {
		out = append(out, cloneCoupon(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) codeTaken(code string, except bson.ObjectID) bool {
	for id, c := range s.coupons {
		if c.Code == code && id != except {
			return true
		}
	}
	return false
}

func (s *Store) CreateCoupon(ctx context.Context, coupon *models.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "CreateCoupon"); err != nil {
		return err
	}
	if s.codeTaken(coupon.Code, bson.ObjectID{}) {
		return repository.ErrDuplicateCouponCode
	}
	if coupon.ID.IsZero() {
		coupon.ID = bson.NewObjectID()
	}
	coupon.SetTimestamps()
	s.coupons[coupon.ID] = *cloneCoupon(*coupon)
	return nil
}

func (s *Store) UpdateCoupon(ctx context.Context, coupon *models.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "UpdateCoupon"); err != nil {
		return err
	}
	if _, ok := s.coupons[coupon.ID]; !ok {
		return repository.ErrCouponNotFound
	}
	if s.codeTaken(coupon.Code, coupon.ID) {
		return repository.ErrDuplicateCouponCode
	}
	coupon.SetTimestamps()
	s.coupons[coupon.ID] = *cloneCoupon(*coupon)
	return nil
}

func (s *Store) DeleteCoupon(ctx context.Context, id bson.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "DeleteCoupon"); err != nil {
		return err
	}
	if _, ok := s.coupons[id]; !ok {
		return repository.ErrCouponNotFound
	}
	delete(s.coupons, id)
	return nil
}

func (s *Store) HasCouponUsage(ctx context.Context, userID, couponID bson.ObjectID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "HasCouponUsage"); err != nil {
		return false, err
	}
	_, ok := s.usages[usageKey{userID, couponID}]
	return ok, nil
}

func (s *Store) RedeemCoupon(ctx context.Context, usage *models.CouponUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "RedeemCoupon"); err != nil {
		return err
	}
	key := usageKey{usage.UserID, usage.CouponID}
	if _, ok := s.usages[key]; ok {
		return repository.ErrDuplicateCouponUsage
	}
	c, ok := s.coupons[usage.CouponID]
	if !ok {
		return repository.ErrCouponNotFound
	}
	if usage.ID.IsZero() {
		usage.ID = bson.NewObjectID()
	}
	if usage.UsedAt.IsZero() {
		usage.UsedAt = time.Now()
	}
	s.usages[key] = *usage
	c.UsedCount++
	s.coupons[usage.CouponID] = c
	return s.leave("RedeemCoupon")
}

// Orders

func (s *Store) FindOrderByID(ctx context.Context, id bson.ObjectID) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "FindOrderByID"); err != nil {
		return nil, err
	}
	o, ok := s.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (s *Store) FindOrderByPaymentIntent(ctx context.Context, paymentIntentID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "FindOrderByPaymentIntent"); err != nil {
		return nil, err
	}
	for _, o := range s.orders {
		if o.PaymentResult.ID == paymentIntentID {
			return cloneOrder(o), nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "CreateOrder"); err != nil {
		return err
	}
	for _, o := range s.orders {
		if o.PaymentResult.ID == order.PaymentResult.ID {
			return repository.ErrDuplicateOrder
		}
	}
	if order.ID.IsZero() {
		order.ID = bson.NewObjectID()
	}
	order.SetTimestamps()
	s.orders[order.ID] = *cloneOrder(*order)
	return nil
}

func (s *Store) AcquireSettlementLease(ctx context.Context, id bson.ObjectID, now, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "AcquireSettlementLease"); err != nil {
		return err
	}
	o, ok := s.orders[id]
	if !ok || o.Settlement.Stage == models.StageCompleted || !o.Settlement.LeaseUntil.Before(now) {
		return repository.ErrSettlementLeaseHeld
	}
	o.Settlement.LeaseUntil = until
	s.orders[id] = o
	return nil
}

func (s *Store) ApplyLineStock(ctx context.Context, line repository.LineStock) (*models.Product, error) {
	if line.Quantity < 1 {
		return nil, errors.Errorf("apply line stock: quantity %d must be positive", line.Quantity)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "ApplyLineStock"); err != nil {
		return nil, err
	}
	o, err := s.pendingLine(line.OrderID, line.Index)
	if err != nil {
		return nil, err
	}
	updated, err := s.incStock(line.ProductID, -line.Quantity)
	if err != nil {
		return nil, err
	}

	o.Items[line.Index].StockState = models.StockApplied
	o.UpdatedAt = time.Now()
	s.orders[o.ID] = *o

	entry := models.NewInventoryLog(updated, -line.Quantity, models.InventoryChangeSale, line.Reason, line.PerformedBy, line.Reference)
	entry.ID = bson.NewObjectID()
	entry.SetTimestamp()
	s.inventoryLogs = append(s.inventoryLogs, *entry)
	return updated, s.leave("ApplyLineStock")
}

// pendingLine returns a copy of the order, or ErrLineSettled when the line
// has left the pending state. Must be called with s.mu held.
func (s *Store) pendingLine(id bson.ObjectID, index int) (*models.Order, error) {
	o, ok := s.orders[id]
	if !ok || index < 0 || index >= len(o.Items) {
		return nil, repository.ErrOrderNotFound
	}
	if o.Items[index].StockState != models.StockPending {
		return nil, repository.ErrLineSettled
	}
	return cloneOrder(o), nil
}

func (s *Store) MarkItemStock(ctx context.Context, id bson.ObjectID, index int, state models.StockState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "MarkItemStock"); err != nil {
		return err
	}
	op, err := s.pendingLine(id, index)
	if err != nil {
		return err
	}
	o := *op
	o.Items[index].StockState = state
	o.UpdatedAt = time.Now()
	s.orders[id] = o
	return nil
}

func (s *Store) UpdateSettlementStage(ctx context.Context, id bson.ObjectID, stage models.SettlementStage, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "UpdateSettlementStage"); err != nil {
		return err
	}
	o, ok := s.orders[id]
	if !ok {
		return repository.ErrOrderNotFound
	}
	o.Settlement.Stage = stage
	o.UpdatedAt = at
	if stage == models.StageCompleted {
		completed := at
		o.Settlement.CompletedAt = &completed
		o.Settlement.LeaseUntil = time.Time{}
	}
	s.orders[id] = o
	return nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, id bson.ObjectID, from []models.OrderStatus, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "UpdateOrderStatus"); err != nil {
		return err
	}
	o, ok := s.orders[id]
	if !ok {
		return repository.ErrOrderNotFound
	}
	allowed := false
	for _, st := range from {
		if o.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return repository.ErrStatusConflict
	}
	o.Status = order.Status
	o.Timeline = order.Timeline
	o.UpdatedAt = order.UpdatedAt
	s.orders[id] = o
	return nil
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID bson.ObjectID) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "ListOrdersByUser"); err != nil {
		return nil, err
	}
	out := []*models.Order{}
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, cloneOrder(o))
		}
	}
	sortOrders(out)
	return out, nil
}

func (s *Store) ListOrders(ctx context.Context, limit int64) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "ListOrders"); err != nil {
		return nil, err
	}
	out := []*models.Order{}
	for _, o := range s.orders {
		out = append(out, cloneOrder(o))
	}
	sortOrders(out)
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Carts

func (s *Store) FindCart(ctx context.Context, userID bson.ObjectID) (*models.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "FindCart"); err != nil {
		return nil, err
	}
	c, ok := s.carts[userID]
	if !ok {
		return models.NewCart(userID), nil
	}
	c.Items = append([]models.CartItem{}, c.Items...)
	return &c, nil
}

func (s *Store) SaveCart(ctx context.Context, cart *models.Cart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "SaveCart"); err != nil {
		return err
	}
	if cart.ID.IsZero() {
		if existing, ok := s.carts[cart.UserID]; ok {
			cart.ID = existing.ID
		} else {
			cart.ID = bson.NewObjectID()
		}
	}
	cart.SetTimestamps()
	c := *cart
	c.Items = append([]models.CartItem{}, cart.Items...)
	s.carts[cart.UserID] = c
	return nil
}

// Customers

func (s *Store) FindCustomerByID(ctx context.Context, id bson.ObjectID) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "FindCustomerByID"); err != nil {
		return nil, err
	}
	c, ok := s.customers[id]
	if !ok {
		return nil, repository.ErrCustomerNotFound
	}
	return &c, nil
}

func (s *Store) UpsertCustomer(ctx context.Context, externalID, email, name string) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "UpsertCustomer"); err != nil {
		return nil, err
	}
	for id, c := range s.customers {
		if c.ExternalID == externalID {
			c.Email, c.Name = email, name
			c.SetTimestamps()
			s.customers[id] = c
			return &c, nil
		}
	}
	c := models.Customer{ID: bson.NewObjectID(), ExternalID: externalID, Email: email, Name: name, Addresses: []models.Address{}}
	c.SetTimestamps()
	s.customers[c.ID] = c
	return &c, nil
}

func (s *Store) SetPaymentCustomerID(ctx context.Context, id bson.ObjectID, paymentCustomerID string) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "SetPaymentCustomerID"); err != nil {
		return nil, err
	}
	c, ok := s.customers[id]
	if !ok {
		return nil, repository.ErrCustomerNotFound
	}
	if c.PaymentCustomerID == "" {
		c.PaymentCustomerID = paymentCustomerID
		c.SetTimestamps()
		s.customers[id] = c
	}
	return &c, nil
}

// Inventory logs and settlement failures

func (s *Store) CreateInventoryLog(ctx context.Context, log *models.InventoryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "CreateInventoryLog"); err != nil {
		return err
	}
	if log.ID.IsZero() {
		log.ID = bson.NewObjectID()
	}
	log.SetTimestamp()
	s.inventoryLogs = append(s.inventoryLogs, *log)
	return nil
}

func (s *Store) RecordSettlementFailure(ctx context.Context, failure *models.SettlementFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "RecordSettlementFailure"); err != nil {
		return err
	}
	if failure.ID.IsZero() {
		failure.ID = bson.NewObjectID()
	}
	if failure.CreatedAt.IsZero() {
		failure.CreatedAt = time.Now()
	}
	s.failures = append(s.failures, *failure)
	return nil
}

func (s *Store) ListSettlementFailures(ctx context.Context, limit int64) ([]*models.SettlementFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "ListSettlementFailures"); err != nil {
		return nil, err
	}
	out := []*models.SettlementFailure{}
	for i := len(s.failures) - 1; i >= 0; i-- {
		f := s.failures[i]
		out = append(out, &f)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

// Inspection helpers for tests

func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *Store) CouponUsageCount(couponID bson.ObjectID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.usages {
		if k.coupon == couponID {
			n++
		}
	}
	return n
}

func (s *Store) InventoryLogs() []models.InventoryLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.InventoryLog{}, s.inventoryLogs...)
}

func (s *Store) SettlementFailures() []models.SettlementFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SettlementFailure{}, s.failures...)
}

func sortOrders(orders []*models.Order) {
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
}

func cloneProduct(p models.Product) *models.Product {
	p.Images = append([]string(nil), p.Images...)
	p.Tags = append([]string(nil), p.Tags...)
	return &p
}

func cloneCoupon(c models.Coupon) *models.Coupon {
	if c.MaxDiscount != nil {
		v := *c.MaxDiscount
		c.MaxDiscount = &v
	}
	if c.UsageLimit != nil {
		v := *c.UsageLimit
		c.UsageLimit = &v
	}
	return &c
}

func cloneOrder(o models.Order) *models.Order {
	o.Items = append([]models.OrderItem(nil), o.Items...)
	return &o
}
