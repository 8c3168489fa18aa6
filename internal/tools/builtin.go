package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

// RegisterBuiltins installs the built-in demo tools on r. Each tool runs
// against in-memory data; production deployments replace individual handlers
// with integrations while keeping the same schemas.
func RegisterBuiltins(r *Registry) error {
	b := newBuiltinData()
	for _, t := range []Tool{
		b.checkOrderStatus(),
		b.checkItemStock(),
		b.bookAppointment(),
		b.searchFAQ(),
		b.getCustomerProfile(),
		b.triggerHumanHandoff(),
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// builtinData is the shared in-memory backing for the demo tools.
type builtinData struct {
	mu sync.Mutex

	orders       map[string]string          // order ID -> status
	stock        map[string]int             // lowercased item name -> quantity
	bookings     map[string]string          // "date time" -> customer name
	nextBooking  int                        // confirmation number sequence
	faqs         []faqEntry
	customers    map[string]customerProfile // customer ID -> profile
	customersIdx map[string]string          // phone number -> customer ID
}

type faqEntry struct {
	Question string
	Answer   string
}

type customerProfile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Tier  string `json:"tier"`
}

func newBuiltinData() *builtinData {
	return &builtinData{
		orders: map[string]string{
			"10001": "shipped",
			"10002": "processing",
			"10003": "delivered",
			"10004": "cancelled",
		},
		stock: map[string]int{
			"standard widget": 42,
			"premium widget":  7,
			"deluxe widget":   0,
		},
		bookings:    map[string]string{},
		nextBooking: 1000,
		faqs: []faqEntry{
			{"What are your opening hours?", "We are open Monday to Friday, 9am to 5pm."},
			{"What is your return policy?", "Items can be returned within 30 days with a receipt."},
			{"Do you ship internationally?", "Yes, we ship to most countries within 7-10 business days."},
			{"How do I reset my password?", "Use the 'Forgot password' link on the sign-in page."},
		},
		customers: map[string]customerProfile{
			"cust-001": {ID: "cust-001", Name: "Dana Smith", Phone: "+15550100", Tier: "gold"},
			"cust-002": {ID: "cust-002", Name: "Alex Chen", Phone: "+15550101", Tier: "standard"},
		},
		customersIdx: map[string]string{
			"+15550100": "cust-001",
			"+15550101": "cust-002",
		},
	}
}

// jsonResult marshals v, panicking only on programmer error (unmarshalable
// types never appear here).
func jsonResult(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("tools: marshal result: %v", err))
	}
	return string(data)
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// ─────────────────────────────────────────────────────────────────────────────
// check_order_status
// ─────────────────────────────────────────────────────────────────────────────

func (b *builtinData) checkOrderStatus() Tool {
	return Tool{
		Name:        "check_order_status",
		Description: "Look up the current status of an order by its order number.",
		Parameters: objectSchema(map[string]any{
			"order_id": map[string]any{"type": "string", "description": "The order number."},
		}, "order_id"),
		Handler: func(_ context.Context, args json.RawMessage) (string, error) {
			var in struct {
				OrderID string `json:"order_id"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}

			b.mu.Lock()
			status, ok := b.orders[strings.TrimSpace(in.OrderID)]
			b.mu.Unlock()

			if !ok {
				return jsonResult(map[string]any{"found": false, "order_id": in.OrderID}), nil
			}
			return jsonResult(map[string]any{"found": true, "order_id": in.OrderID, "status": status}), nil
		},
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// check_item_stock
// ─────────────────────────────────────────────────────────────────────────────

func (b *builtinData) checkItemStock() Tool {
	return Tool{
		Name:        "check_item_stock",
		Description: "Check how many units of a product are in stock.",
		Parameters: objectSchema(map[string]any{
			"item_name": map[string]any{"type": "string", "description": "The product name."},
		}, "item_name"),
		Handler: func(_ context.Context, args json.RawMessage) (string, error) {
			var in struct {
				ItemName string `json:"item_name"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}

			key := strings.ToLower(strings.TrimSpace(in.ItemName))
			b.mu.Lock()
			qty, ok := b.stock[key]
			b.mu.Unlock()

			if !ok {
				return jsonResult(map[string]any{
					"available": false,
					"quantity":  0,
					"message":   "Unknown item",
				}), nil
			}
			msg := fmt.Sprintf("%d units of %s in stock.", qty, in.ItemName)
			if qty == 0 {
				msg = fmt.Sprintf("%s is currently out of stock.", in.ItemName)
			}
			return jsonResult(map[string]any{
				"available": qty > 0,
				"quantity":  qty,
				"message":   msg,
			}), nil
		},
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// book_appointment
// ─────────────────────────────────────────────────────────────────────────────

func (b *builtinData) bookAppointment() Tool {
	return Tool{
		Name:        "book_appointment",
		Description: "Book an appointment slot for the caller on a given date and time.",
		Parameters: objectSchema(map[string]any{
			"customer_name": map[string]any{"type": "string", "description": "Name to book under."},
			"date":          map[string]any{"type": "string", "description": "Date in YYYY-MM-DD format."},
			"time":          map[string]any{"type": "string", "description": "Time, e.g. 14:30."},
			"service_type":  map[string]any{"type": "string", "description": "Optional service requested."},
		}, "customer_name", "date", "time"),
		Handler: func(_ context.Context, args json.RawMessage) (string, error) {
			var in struct {
				CustomerName string `json:"customer_name"`
				Date         string `json:"date"`
				Time         string `json:"time"`
				ServiceType  string `json:"service_type"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			if in.Date == "" || in.Time == "" {
				return jsonResult(map[string]any{"success": false, "message": "Date and time are required."}), nil
			}

			// Double-booking is keyed by the composite slot, not by customer.
			slot := in.Date + " " + in.Time
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, taken := b.bookings[slot]; taken {
				return jsonResult(map[string]any{
					"success": false,
					"message": "That slot is already booked. Please choose another time.",
				}), nil
			}
			b.bookings[slot] = in.CustomerName
			b.nextBooking++
			msg := fmt.Sprintf("Appointment booked for %s on %s at %s.", in.CustomerName, in.Date, in.Time)
			if in.ServiceType != "" {
				msg = fmt.Sprintf("Appointment for %s booked for %s on %s at %s.", in.ServiceType, in.CustomerName, in.Date, in.Time)
			}
			return jsonResult(map[string]any{
				"success":             true,
				"confirmation_number": fmt.Sprintf("APT-%d", b.nextBooking),
				"message":             msg,
			}), nil
		},
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// search_faq
// ─────────────────────────────────────────────────────────────────────────────

// faqMatchThreshold is the minimum Jaro-Winkler similarity for a fuzzy FAQ
// match.
const faqMatchThreshold = 0.82

func (b *builtinData) searchFAQ() Tool {
	return Tool{
		Name:        "search_faq",
		Description: "Search the frequently asked questions for an answer to the caller's question.",
		Parameters: objectSchema(map[string]any{
			"question": map[string]any{"type": "string", "description": "The caller's question."},
		}, "question"),
		Handler: func(_ context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Question string `json:"question"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}

			entry, score := b.bestFAQMatch(in.Question)
			if score < faqMatchThreshold {
				return jsonResult(map[string]any{"found": false}), nil
			}
			return jsonResult(map[string]any{
				"found":    true,
				"question": entry.Question,
				"answer":   entry.Answer,
			}), nil
		},
	}
}

// bestFAQMatch scores the query against every FAQ question with Jaro-Winkler
// similarity and returns the best entry.
func (b *builtinData) bestFAQMatch(query string) (faqEntry, float64) {
	q := strings.ToLower(strings.TrimSpace(query))

	var best faqEntry
	bestScore := 0.0
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, entry := range b.faqs {
		score := matchr.JaroWinkler(q, strings.ToLower(entry.Question), true)
		if score > bestScore {
			best = entry
			bestScore = score
		}
	}
	return best, bestScore
}

// ─────────────────────────────────────────────────────────────────────────────
// get_customer_profile
// ─────────────────────────────────────────────────────────────────────────────

func (b *builtinData) getCustomerProfile() Tool {
	return Tool{
		Name:        "get_customer_profile",
		Description: "Look up a customer profile by customer ID or phone number.",
		Parameters: objectSchema(map[string]any{
			"customer_id":  map[string]any{"type": "string", "description": "The customer's ID."},
			"phone_number": map[string]any{"type": "string", "description": "Phone number in E.164 format."},
		}),
		Handler: func(_ context.Context, args json.RawMessage) (string, error) {
			var in struct {
				CustomerID  string `json:"customer_id"`
				PhoneNumber string `json:"phone_number"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}

			id := strings.TrimSpace(in.CustomerID)
			b.mu.Lock()
			defer b.mu.Unlock()

			// A phone number resolves to a customer ID first, then the ID
			// resolves to the profile.
			if id == "" {
				var ok bool
				if id, ok = b.customersIdx[strings.TrimSpace(in.PhoneNumber)]; !ok {
					return jsonResult(map[string]any{"found": false}), nil
				}
			}
			profile, ok := b.customers[id]
			if !ok {
				return jsonResult(map[string]any{"found": false}), nil
			}
			return jsonResult(map[string]any{"found": true, "profile": profile}), nil
		},
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// trigger_human_handoff
// ─────────────────────────────────────────────────────────────────────────────

func (b *builtinData) triggerHumanHandoff() Tool {
	return Tool{
		Name:        "trigger_human_handoff",
		Description: "Escalate the call to a human agent when the caller asks for one or the conversation cannot proceed.",
		Parameters: objectSchema(map[string]any{
			"reason":   map[string]any{"type": "string", "description": "Why the caller needs a human."},
			"priority": map[string]any{"type": "string", "description": "Optional priority; \"urgent\" escalates immediately."},
		}, "reason"),
		Handler: func(_ context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Reason   string `json:"reason"`
				Priority string `json:"priority"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}

			wait := "within 10 minutes"
			if strings.EqualFold(strings.TrimSpace(in.Priority), "urgent") {
				wait = "right away"
			}
			return jsonResult(map[string]any{
				"handoff_initiated": true,
				"estimated_wait":    wait,
			}), nil
		},
	}
}
