// Package snapshot carries the validated checkout snapshot through the payment
// processor's intent metadata and back into settlement.
package snapshot

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"

	"julianmorley.ca/con-plar/storefront/pkg/models"
	"julianmorley.ca/con-plar/storefront/pkg/money"
)

// Processor metadata limits
const (
	MaxKeys        = 50
	MaxValueLength = 500
)

const (
	Version = "1"

	KeyVersion    = "snapshot_version"
	KeySignature  = "snapshot_signature"
	KeyChunks     = "snapshot_chunks"
	keyChunk      = "snapshot_%02d"
	KeyUserID     = "user_id"
	KeyTotal      = "total"
	KeyCouponCode = "coupon_code"
)

var (
	ErrMalformed          = errors.New("snapshot: malformed metadata")
	ErrSignatureMismatch  = errors.New("snapshot: signature mismatch")
	ErrUnsupportedVersion = errors.New("snapshot: unsupported version")
	ErrTooLarge           = errors.New("snapshot: exceeds processor metadata limits")
)

// Item is a cart line after it has been checked against the catalog. Price is
// the catalog price at checkout time, never the client's.
type Item struct {
	ProductID bson.ObjectID
	Name      string
	Price     decimal.Decimal
	Quantity  int
	Image     string
}

type Snapshot struct {
	UserID          bson.ObjectID
	Items           []Item
	ShippingAddress models.Address
	Subtotal        decimal.Decimal
	Shipping        decimal.Decimal
	Discount        decimal.Decimal
	Total           decimal.Decimal
	CouponCode      string
	Currency        string
}

// OrderItems converts the snapshot lines into pending order lines
func (s *Snapshot) OrderItems() []models.OrderItem {
	items := make([]models.OrderItem, len(s.Items))
	for i, it := range s.Items {
		items[i] = models.OrderItem{
			ProductID:  it.ProductID,
			Name:       it.Name,
			Price:      money.Float(it.Price),
			Quantity:   it.Quantity,
			Image:      it.Image,
			StockState: models.StockPending,
		}
	}
	return items
}

func (s *Snapshot) OrderTotals() models.OrderTotals {
	return models.OrderTotals{
		Subtotal: money.Float(s.Subtotal),
		Shipping: money.Float(s.Shipping),
		Discount: money.Float(s.Discount),
		Total:    money.Float(s.Total),
	}
}

type wireItem struct {
	ProductID string `json:"id"`
	Name      string `json:"name"`
	Price     string `json:"price"`
	Quantity  int    `json:"qty"`
	Image     string `json:"image,omitempty"`
}

type wireSnapshot struct {
	UserID          string         `json:"user_id"`
	Items           []wireItem     `json:"items"`
	ShippingAddress models.Address `json:"shipping_address"`
	Subtotal        string         `json:"subtotal"`
	Shipping        string         `json:"shipping"`
	Discount        string         `json:"discount"`
	Total           string         `json:"total"`
	CouponCode      string         `json:"coupon_code,omitempty"`
	Currency        string         `json:"currency"`
}

// Codec signs snapshots so settlement can tell its own metadata from anything
// edited on the processor side.
type Codec struct {
	key []byte
}

func NewCodec(signingKey string) *Codec {
	return &Codec{key: []byte(signingKey)}
}

// Encode flattens the snapshot into processor metadata. The JSON payload is
// split across numbered keys; a few plain keys are kept for the processor
// dashboard and are not read back.
func (c *Codec) Encode(s Snapshot) (map[string]string, error) {
	payload, err := json.Marshal(toWire(s))
	if err != nil {
		return nil, errors.Wrap(err, "marshal snapshot")
	}

	chunks := split(string(payload), MaxValueLength)
	meta := map[string]string{
		KeyVersion:   Version,
		KeySignature: c.sign(payload),
		KeyChunks:    strconv.Itoa(len(chunks)),
		KeyUserID:    s.UserID.Hex(),
		KeyTotal:     money.String(s.Total),
	}
	if s.CouponCode != "" {
		meta[KeyCouponCode] = s.CouponCode
	}
	if len(meta)+len(chunks) > MaxKeys {
		return nil, errors.Wrapf(ErrTooLarge, "%d bytes need %d chunks", len(payload), len(chunks))
	}
	for i, chunk := range chunks {
		meta[fmt.Sprintf(keyChunk, i)] = chunk
	}
	return meta, nil
}

// Decode reassembles and verifies metadata written by Encode. Every error is
// permanent: redelivering the same event cannot fix it.
func (c *Codec) Decode(meta map[string]string) (*Snapshot, error) {
	if meta[KeyVersion] != Version {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "got %q", meta[KeyVersion])
	}

	n, err := strconv.Atoi(meta[KeyChunks])
	if err != nil || n < 1 || n > MaxKeys {
		return nil, errors.Wrapf(ErrMalformed, "chunk count %q", meta[KeyChunks])
	}
	var sb strings.Builder
	for i := 0; i < n; i++ {
		chunk, ok := meta[fmt.Sprintf(keyChunk, i)]
		if !ok {
			return nil, errors.Wrapf(ErrMalformed, "missing chunk %d of %d", i, n)
		}
		sb.WriteString(chunk)
	}
	payload := []byte(sb.String())

	got, err := hex.DecodeString(meta[KeySignature])
	if err != nil || !hmac.Equal(got, c.mac(payload)) {
		return nil, ErrSignatureMismatch
	}

	var w wireSnapshot
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "unmarshal: %v", err)
	}
	return fromWire(w)
}

func (c *Codec) mac(payload []byte) []byte {
	h := hmac.New(sha256.New, c.key)
	h.Write([]byte(Version))
	h.Write(payload)
	return h.Sum(nil)
}

func (c *Codec) sign(payload []byte) string {
	return hex.EncodeToString(c.mac(payload))
}

// split cuts s into pieces of at most size bytes without breaking a rune
func split(s string, size int) []string {
	var out []string
	for len(s) > size {
		cut := size
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	return append(out, s)
}

func toWire(s Snapshot) wireSnapshot {
	items := make([]wireItem, len(s.Items))
	for i, it := range s.Items {
		items[i] = wireItem{
			ProductID: it.ProductID.Hex(),
			Name:      it.Name,
			Price:     money.String(it.Price),
			Quantity:  it.Quantity,
			Image:     it.Image,
		}
	}
	return wireSnapshot{
		UserID:          s.UserID.Hex(),
		Items:           items,
		ShippingAddress: s.ShippingAddress,
		Subtotal:        money.String(s.Subtotal),
		Shipping:        money.String(s.Shipping),
		Discount:        money.String(s.Discount),
		Total:           money.String(s.Total),
		CouponCode:      s.CouponCode,
		Currency:        s.Currency,
	}
}

func fromWire(w wireSnapshot) (*Snapshot, error) {
	userID, err := bson.ObjectIDFromHex(w.UserID)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "user id %q", w.UserID)
	}
	if len(w.Items) == 0 {
		return nil, errors.Wrap(ErrMalformed, "no items")
	}

	s := &Snapshot{
		UserID:          userID,
		Items:           make([]Item, len(w.Items)),
		ShippingAddress: w.ShippingAddress,
		CouponCode:      w.CouponCode,
		Currency:        w.Currency,
	}
	for i, wi := range w.Items {
		productID, err := bson.ObjectIDFromHex(wi.ProductID)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformed, "item %d product id %q", i, wi.ProductID)
		}
		price, err := money.Parse(wi.Price)
		if err != nil || price.IsNegative() || wi.Quantity < 1 {
			return nil, errors.Wrapf(ErrMalformed, "item %d price %q quantity %d", i, wi.Price, wi.Quantity)
		}
		s.Items[i] = Item{ProductID: productID, Name: wi.Name, Price: price, Quantity: wi.Quantity, Image: wi.Image}
	}

	amounts := []struct {
		raw string
		dst *decimal.Decimal
	}{
		{w.Subtotal, &s.Subtotal},
		{w.Shipping, &s.Shipping},
		{w.Discount, &s.Discount},
		{w.Total, &s.Total},
	}
	for _, a := range amounts {
		d, err := money.Parse(a.raw)
		if err != nil {
			return nil, errors.Wrap(ErrMalformed, err.Error())
		}
		*a.dst = d
	}

	if !s.Subtotal.Add(s.Shipping).Sub(s.Discount).Equal(s.Total) {
		return nil, errors.Wrapf(ErrMalformed, "totals do not add up: %s + %s - %s != %s",
			w.Subtotal, w.Shipping, w.Discount, w.Total)
	}
	return s, nil
}
