package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/astraltide/lumina-backend/pkg/enums"
)

// CurrencyStringMap stores per-currency string values (gateway price ids)
// as a JSONB column.
type CurrencyStringMap map[enums.Currency]string

// Value implements driver.Valuer.
func (m CurrencyStringMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling currency string map: %w", err)
	}
	return data, nil
}

// Scan implements sql.Scanner.
func (m *CurrencyStringMap) Scan(src any) error {
	return scanJSON(src, m, "currency string map")
}

// CurrencyAmountMap stores per-currency minor-unit amounts as a JSONB column.
type CurrencyAmountMap map[enums.Currency]int64

// Value implements driver.Valuer.
func (m CurrencyAmountMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling currency amount map: %w", err)
	}
	return data, nil
}

// Scan implements sql.Scanner.
func (m *CurrencyAmountMap) Scan(src any) error {
	return scanJSON(src, m, "currency amount map")
}

func scanJSON(src, dest any, label string) error {
	if src == nil {
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported %s source type %T", label, src)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("unmarshaling %s: %w", label, err)
	}
	return nil
}
