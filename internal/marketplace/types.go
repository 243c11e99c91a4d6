package marketplace

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var ErrBadPayload = errors.New("unusable product detail payload")

// VariantStock is one purchasable variant (size, colour...) of a marketplace listing.
type VariantStock struct {
	Label   string          `json:"variant_label"`
	InStock bool            `json:"in_stock"`
	Price   decimal.Decimal `json:"price"`
}

// StockProbeResult is the live state of one listing as seen by a single probe.
// Err is set when the probe degraded; the other fields then hold the degraded values.
type StockProbeResult struct {
	SourceID      string          `json:"source_id"`
	InStock       bool            `json:"in_stock"`
	Price         decimal.Decimal `json:"price"`
	OriginalPrice decimal.Decimal `json:"original_price"`
	Variants      []VariantStock  `json:"variants"`
	CheckedAt     time.Time       `json:"checked_at"`
	Err           error           `json:"-"`
}

func (r StockProbeResult) Degraded() bool {
	return r.Err != nil
}

func degraded(sourceID string, at time.Time, err error) StockProbeResult {
	return StockProbeResult{
		SourceID:      sourceID,
		InStock:       false,
		Price:         decimal.Zero,
		OriginalPrice: decimal.Zero,
		Variants:      []VariantStock{},
		CheckedAt:     at,
		Err:           err,
	}
}

// PurchaseCheck answers whether a listing (or one of its variants) can be bought right now.
type PurchaseCheck struct {
	Available    bool            `json:"available"`
	Reason       string          `json:"reason"`
	CurrentPrice decimal.Decimal `json:"current_price"`
}

type detailEnvelope struct {
	IsSuccess bool           `json:"isSuccess"`
	Result    *detailPayload `json:"result"`
}

type detailPayload struct {
	HasStock bool `json:"hasStock"`
	Price    struct {
		SellingPrice  decimal.Decimal  `json:"sellingPrice"`
		OriginalPrice *decimal.Decimal `json:"originalPrice"`
	} `json:"price"`
	AllVariants []struct {
		AttributeValue string           `json:"attributeValue"`
		InStock        bool             `json:"inStock"`
		Price          *decimal.Decimal `json:"price"`
	} `json:"allVariants"`
}

// ParseDetail decodes a product detail payload into a probe result.
func ParseDetail(sourceID string, raw []byte, checkedAt time.Time) (StockProbeResult, error) {
	var env detailEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return StockProbeResult{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if !env.IsSuccess || env.Result == nil {
		return StockProbeResult{}, fmt.Errorf("%w: isSuccess=%t", ErrBadPayload, env.IsSuccess)
	}

	p := env.Result
	selling := p.Price.SellingPrice
	original := selling
	if p.Price.OriginalPrice != nil {
		original = *p.Price.OriginalPrice
	}

	variants := make([]VariantStock, 0, len(p.AllVariants))
	for _, v := range p.AllVariants {
		price := selling
		if v.Price != nil {
			price = *v.Price
		}
		variants = append(variants, VariantStock{
			Label:   v.AttributeValue,
			InStock: v.InStock,
			Price:   price,
		})
	}

	return StockProbeResult{
		SourceID:      sourceID,
		InStock:       p.HasStock,
		Price:         selling,
		OriginalPrice: original,
		Variants:      variants,
		CheckedAt:     checkedAt,
	}, nil
}
