package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"kasirinaja/till/internal/domain"
	"kasirinaja/till/internal/pos"
)

func (s *Service) LatestReceipt(ctx context.Context, deviceID string) (*domain.Receipt, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, ErrDeviceRequired
	}
	return s.repo.LatestReceipt(ctx, deviceID)
}

func (s *Service) buildReceipt(state pos.State, totals pos.Totals, payment domain.Payment, tx domain.TransactionResponse, actor domain.Actor) domain.Receipt {
	now := time.Now().UTC()
	receipt := domain.Receipt{
		DeviceID:          state.DeviceID,
		TransactionID:     tx.ID,
		TransactionNumber: tx.TransactionNumber,
		Items:             append([]domain.CartLine(nil), state.Cart.Lines...),
		Payment:           payment,
		Subtotal:          totals.Subtotal,
		DiscountTotal:     totals.DiscountAmount,
		TaxTotal:          totals.Tax,
		Total:             totals.Total,
		StaffName:         actor.StaffName,
		CreatedAt:         now,
	}
	if state.Customer != nil {
		c := *state.Customer
		receipt.Customer = &c
	}

	number := tx.TransactionNumber
	if number == "" {
		number = tx.ID
	}
	lines := []string{
		s.storeName,
		"========================",
		"No: " + number,
		"Register: " + state.Binding.RegisterID,
		"Kasir: " + actor.StaffName,
		"Date: " + now.Format("2006-01-02 15:04:05"),
		"------------------------",
	}
	for _, item := range state.Cart.Lines {
		lines = append(lines, fmt.Sprintf("%s x%d", item.Name, item.Quantity))
		lines = append(lines, "  "+money(item.Subtotal))
	}
	lines = append(lines,
		"------------------------",
		"Subtotal : "+money(totals.Subtotal),
		"Diskon   : "+money(totals.DiscountAmount),
		"Pajak    : "+money(totals.Tax),
		"Total    : "+money(totals.Total),
	)
	if payment.Method == domain.PaymentCash {
		lines = append(lines,
			"Bayar    : "+money(payment.Amount.Add(payment.ChangeGiven)),
			"Kembali  : "+money(payment.ChangeGiven),
		)
	} else {
		lines = append(lines, "Kartu    : "+payment.Reference)
	}
	lines = append(lines,
		"========================",
		"Terima kasih",
		"",
	)

	escpos := []byte{0x1b, 0x40}
	for _, line := range lines {
		escpos = append(escpos, []byte(line)...)
		escpos = append(escpos, '\n')
	}
	escpos = append(escpos, []byte{0x1d, 0x56, 0x41, 0x10}...)

	receipt.PreviewText = strings.Join(lines, "\n")
	receipt.EscposBase64 = base64.StdEncoding.EncodeToString(escpos)
	if payment.Method == domain.PaymentCash {
		receipt.DrawerCommand = drawerKickBase64()
	}
	return receipt
}

// drawerKickBase64 is the ESC/POS pulse on pin 2 that opens the cash drawer.
func drawerKickBase64() string {
	return base64.StdEncoding.EncodeToString([]byte{0x1b, 0x70, 0x00, 0x19, 0xfa})
}
