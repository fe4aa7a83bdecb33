package service

import (
	"context"
	"fmt"
	"log"
	"net/mail"
	"strings"
	"time"

	"kasirinaja/till/internal/cache"
	"kasirinaja/till/internal/domain"
	"kasirinaja/till/internal/pos"
	"kasirinaja/till/internal/posapi"
)

// SearchProducts runs a debounced catalog search for the device. A search that
// is overtaken by a newer one from the same device returns ErrSearchSuperseded
// so stale results never reach the screen.
func (s *Service) SearchProducts(ctx context.Context, deviceID string, query string, limit int) ([]domain.Product, error) {
	sess, err := s.session(deviceID)
	if err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	seq := sess.searchSeq.Add(1)
	if s.searchDebounce > 0 {
		timer := time.NewTimer(s.searchDebounce)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if sess.searchSeq.Load() != seq {
		return nil, ErrSearchSuperseded
	}
	if query == "" {
		return []domain.Product{}, nil
	}

	products, err := s.backend.SearchProducts(ctx, posapi.ProductQuery{Search: query, Limit: limit})
	if err != nil {
		return nil, err
	}
	if sess.searchSeq.Load() != seq {
		return nil, ErrSearchSuperseded
	}
	sess.remember(products)
	return products, nil
}

// AddProduct puts a product from the device's recent search results on the cart.
func (s *Service) AddProduct(ctx context.Context, deviceID string, productID string) (pos.Snapshot, error) {
	sess, err := s.session(deviceID)
	if err != nil {
		return pos.Snapshot{}, err
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return pos.Snapshot{}, fmt.Errorf("%w: product id is required", pos.ErrValidation)
	}

	product, ok := sess.known(productID)
	if !ok {
		products, err := s.backend.SearchProducts(ctx, posapi.ProductQuery{Search: productID, Limit: 20})
		if err != nil {
			return pos.Snapshot{}, err
		}
		sess.remember(products)
		if product, ok = sess.known(productID); !ok {
			return pos.Snapshot{}, ErrProductNotFound
		}
	}
	return s.dispatch(sess, pos.ProductAdded{Product: product})
}

// ScanBarcode resolves a scanned code to a product and adds it to the cart.
func (s *Service) ScanBarcode(ctx context.Context, deviceID string, barcode string) (pos.Snapshot, error) {
	sess, err := s.session(deviceID)
	if err != nil {
		return pos.Snapshot{}, err
	}
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return pos.Snapshot{}, fmt.Errorf("%w: barcode is required", pos.ErrValidation)
	}

	product, err := s.lookupBarcode(ctx, barcode)
	if err != nil {
		return pos.Snapshot{}, err
	}
	sess.remember([]domain.Product{product})
	return s.dispatch(sess, pos.ProductAdded{Product: product})
}

func (s *Service) lookupBarcode(ctx context.Context, barcode string) (domain.Product, error) {
	key := cache.BarcodeKey(s.storeID, barcode)
	var cached domain.Product
	if hit, err := s.cache.Get(ctx, key, &cached); err != nil {
		log.Printf("[service] WARN: barcode cache read failed code=%s: %v", barcode, err)
	} else if hit {
		return cached, nil
	}

	products, err := s.backend.SearchProducts(ctx, posapi.ProductQuery{Barcode: barcode, Limit: 5})
	if err != nil {
		return domain.Product{}, err
	}

	var match *domain.Product
	for i := range products {
		if products[i].Barcode == barcode {
			match = &products[i]
			break
		}
	}
	if match == nil && len(products) == 1 {
		match = &products[0]
	}
	if match == nil {
		return domain.Product{}, ErrProductNotFound
	}

	if err := s.cache.Set(ctx, key, *match, s.barcodeTTL); err != nil {
		log.Printf("[service] WARN: barcode cache write failed code=%s: %v", barcode, err)
	}
	return *match, nil
}

func (s *Service) ChangeQuantity(_ context.Context, deviceID string, productID string, delta int) (pos.Snapshot, error) {
	sess, err := s.session(deviceID)
	if err != nil {
		return pos.Snapshot{}, err
	}
	return s.dispatch(sess, pos.QuantityChanged{ProductID: strings.TrimSpace(productID), Delta: delta})
}

func (s *Service) RemoveLine(_ context.Context, deviceID string, productID string) (pos.Snapshot, error) {
	sess, err := s.session(deviceID)
	if err != nil {
		return pos.Snapshot{}, err
	}
	return s.dispatch(sess, pos.LineRemoved{ProductID: strings.TrimSpace(productID)})
}

func (s *Service) ClearCart(_ context.Context, deviceID string) (pos.Snapshot, error) {
	sess, err := s.session(deviceID)
	if err != nil {
		return pos.Snapshot{}, err
	}
	return s.dispatch(sess, pos.CartCleared{})
}

// SelectCustomer attaches a customer to the sale. A nil customer detaches.
func (s *Service) SelectCustomer(_ context.Context, deviceID string, customer *domain.Customer) (pos.Snapshot, error) {
	sess, err := s.session(deviceID)
	if err != nil {
		return pos.Snapshot{}, err
	}
	return s.dispatch(sess, pos.CustomerSelected{Customer: customer})
}

// QuickAddCustomer creates (or finds, by email) a customer and attaches it.
func (s *Service) QuickAddCustomer(ctx context.Context, deviceID string, req domain.QuickAddCustomerRequest) (domain.QuickAddCustomerResponse, error) {
	sess, err := s.session(deviceID)
	if err != nil {
		return domain.QuickAddCustomerResponse{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Name == "" {
		return domain.QuickAddCustomerResponse{}, fmt.Errorf("%w: customer name is required", pos.ErrValidation)
	}
	if _, err := mail.ParseAddress(req.Email); err != nil || req.Email == "" {
		return domain.QuickAddCustomerResponse{}, fmt.Errorf("%w: a valid customer email is required", pos.ErrValidation)
	}

	resp, err := s.backend.QuickAddCustomer(ctx, req)
	if err != nil {
		return domain.QuickAddCustomerResponse{}, err
	}
	customer := resp.Customer
	if _, err := s.dispatch(sess, pos.CustomerSelected{Customer: &customer}); err != nil {
		return domain.QuickAddCustomerResponse{}, err
	}
	s.logAudit(ctx, strings.TrimSpace(deviceID), "customer_quick_add", "customer", customer.ID, fmt.Sprintf("existing=%t", resp.Existing))
	return resp, nil
}

func (s *Service) dispatch(sess *session, actions ...pos.Action) (pos.Snapshot, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := sess.checkIdle(); err != nil {
		return pos.Snapshot{}, err
	}
	if err := sess.apply(actions...); err != nil {
		return pos.Snapshot{}, err
	}
	return sess.state.Snapshot(s.taxRate), nil
}
