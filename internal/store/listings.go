package store

import (
	"context"
	"fmt"

	"github.com/lib/pq"
	"github.com/safar/market-orders/internal/database"
	"github.com/safar/market-orders/internal/models"
)

// GetListings loads the listings with the given ids. Missing ids are simply
// absent from the result.
func GetListings(ctx context.Context, q database.Querier, ids []string) (map[string]models.Listing, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, seller_id, title, price, shipping_fee, tax_amount, active
		 FROM listings
		 WHERE id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get listings: %w", err)
	}
	defer rows.Close()

	listings := make(map[string]models.Listing, len(ids))
	for rows.Next() {
		var l models.Listing
		err := rows.Scan(
			&l.ID,
			&l.SellerID,
			&l.Title,
			&l.Price,
			&l.ShippingFee,
			&l.TaxAmount,
			&l.Active,
		)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		listings[l.ID] = l
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return listings, nil
}

func CreateListing(ctx context.Context, q database.Querier, l models.Listing) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO listings (id, seller_id, title, price, shipping_fee, tax_amount, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`,
		l.ID, l.SellerID, l.Title, l.Price, l.ShippingFee, l.TaxAmount, l.Active)
	if err != nil {
		return fmt.Errorf("create listing: %w", err)
	}
	return nil
}
