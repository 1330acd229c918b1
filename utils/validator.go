package utils

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Minimal internal validator. Supports:
// - required
// - msisdn (international number, '+' followed by 9-15 digits)

var reMSISDN = regexp.MustCompile(`^\+[0-9]{9,15}$`)

// ValidateStruct inspects struct tags `validate:"..."` and returns the first error encountered.
func ValidateStruct(s interface{}) error {
	v := reflect.ValueOf(s)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return errors.New("ValidateStruct expects a struct or pointer to struct")
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("validate")
		if tag == "" {
			continue
		}
		name := field.Name
		if js := strings.Split(field.Tag.Get("json"), ",")[0]; js != "" && js != "-" {
			name = js
		}
		fv := v.Field(i)
		var sval string
		if fv.IsValid() && fv.Kind() == reflect.String {
			sval = strings.TrimSpace(fv.String())
		}
		for _, p := range strings.Split(tag, ",") {
			p = strings.TrimSpace(p)
			switch {
			case p == "required":
				if fv.Kind() == reflect.String && sval == "" {
					return &ValidationError{Field: name, Message: name + " is required"}
				}
				if fv.Kind() != reflect.String && fv.IsZero() {
					return &ValidationError{Field: name, Message: name + " is required"}
				}
			case p == "msisdn":
				if sval != "" && !reMSISDN.MatchString(sval) {
					return &ValidationError{Field: name, Message: name + " must be an international phone number"}
				}
			}
		}
	}
	return nil
}

// NormalizePhone accepts only prefix followed by digits up to length, with
// surrounding whitespace trimmed. Nothing inside the number is rewritten, so
// separators, letters and trailing text are rejected.
func NormalizePhone(raw, prefix string, length int) (string, error) {
	phone := strings.TrimSpace(raw)
	if phone == "" {
		return "", &ValidationError{Field: "phone_number", Message: "Phone number is required"}
	}
	if phonePattern(prefix, length).MatchString(phone) {
		return phone, nil
	}
	switch {
	case !strings.HasPrefix(phone, prefix):
		return "", &ValidationError{Field: "phone_number", Message: "Phone number must start with " + prefix}
	case len(phone) != length:
		return "", &ValidationError{
			Field:   "phone_number",
			Message: fmt.Sprintf("Phone number must be %d characters long (%s%s)", length, prefix, strings.Repeat("X", length-len(prefix))),
		}
	}
	return "", &ValidationError{Field: "phone_number", Message: "Phone number must contain only digits after " + prefix}
}

var phonePatterns sync.Map // "prefix|length" -> *regexp.Regexp

// phonePattern returns ^prefix[0-9]{n}$ for the configured prefix and length.
func phonePattern(prefix string, length int) *regexp.Regexp {
	key := prefix + "|" + strconv.Itoa(length)
	if re, ok := phonePatterns.Load(key); ok {
		return re.(*regexp.Regexp)
	}
	digits := length - len(prefix)
	if digits < 0 {
		digits = 0
	}
	re := regexp.MustCompile(fmt.Sprintf(`^%s[0-9]{%d}$`, regexp.QuoteMeta(prefix), digits))
	phonePatterns.Store(key, re)
	return re
}

// ValidateAmount checks that amount is a whole number of shillings in [min, max].
func ValidateAmount(amount, min, max decimal.Decimal) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "Amount is required"}
	}
	if amount.LessThan(min) {
		return &ValidationError{Field: "amount", Message: "Minimum tip amount is KES " + min.StringFixedBank(0)}
	}
	if amount.GreaterThan(max) {
		return &ValidationError{Field: "amount", Message: "Maximum tip amount is KES " + max.StringFixedBank(0)}
	}
	if !amount.Equal(amount.Truncate(0)) {
		return &ValidationError{Field: "amount", Message: "Amount must be a whole number of shillings"}
	}
	return nil
}
