package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	ResultCodeSuccess = "0"

	darajaTimestampLayout = "20060102150405"
)

// eastAfricaTime is the zone Daraja uses for timestamps on the wire.
var eastAfricaTime = time.FixedZone("EAT", 3*60*60)

// flexString accepts JSON strings and numbers; Daraja is not consistent about
// which one it sends for codes and metadata values.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(strings.TrimSpace(v))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

type stkCallbackEnvelope struct {
	Body *struct {
		STKCallback *struct {
			MerchantRequestID string     `json:"MerchantRequestID"`
			CheckoutRequestID string     `json:"CheckoutRequestID"`
			ResultCode        flexString `json:"ResultCode"`
			ResultDesc        string     `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []struct {
					Name  string     `json:"Name"`
					Value flexString `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

func parseSTKCallback(payload []byte) (*CallbackEvent, error) {
	var envelope stkCallbackEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	if envelope.Body == nil || envelope.Body.STKCallback == nil {
		return nil, fmt.Errorf("%w: missing Body.stkCallback", ErrInvalidCallback)
	}

	cb := envelope.Body.STKCallback
	event := &CallbackEvent{
		CorrelationID: strings.TrimSpace(cb.CheckoutRequestID),
		SecondaryID:   strings.TrimSpace(cb.MerchantRequestID),
		ResultCode:    string(cb.ResultCode),
		ResultDesc:    strings.TrimSpace(cb.ResultDesc),
	}
	if event.CorrelationID == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", ErrInvalidCallback)
	}
	if event.ResultCode == "" {
		return nil, fmt.Errorf("%w: missing ResultCode", ErrInvalidCallback)
	}

	if cb.CallbackMetadata != nil {
		for _, item := range cb.CallbackMetadata.Item {
			value := string(item.Value)
			switch item.Name {
			case "Amount":
				if f, err := strconv.ParseFloat(value, 64); err == nil {
					amount := int64(math.Round(f))
					event.Amount = &amount
				}
			case "MpesaReceiptNumber":
				event.ReceiptReference = value
			case "TransactionDate":
				if ts, err := time.ParseInLocation(darajaTimestampLayout, value, eastAfricaTime); err == nil {
					utc := ts.UTC()
					event.TransactionAt = &utc
				}
			case "PhoneNumber":
				event.Phone = value
			}
		}
	}

	return event, nil
}

// BuildCallbackPayload renders an event in the gateway's callback envelope.
func BuildCallbackPayload(event *CallbackEvent) []byte {
	stk := map[string]interface{}{
		"MerchantRequestID": event.SecondaryID,
		"CheckoutRequestID": event.CorrelationID,
		"ResultDesc":        event.ResultDesc,
	}
	if code, err := strconv.Atoi(event.ResultCode); err == nil {
		stk["ResultCode"] = code
	} else {
		stk["ResultCode"] = event.ResultCode
	}

	if event.Succeeded() {
		items := make([]map[string]interface{}, 0, 4)
		if event.Amount != nil {
			items = append(items, map[string]interface{}{"Name": "Amount", "Value": *event.Amount})
		}
		items = append(items, map[string]interface{}{"Name": "MpesaReceiptNumber", "Value": event.ReceiptReference})
		if event.TransactionAt != nil {
			date, _ := strconv.ParseInt(event.TransactionAt.In(eastAfricaTime).Format(darajaTimestampLayout), 10, 64)
			items = append(items, map[string]interface{}{"Name": "TransactionDate", "Value": date})
		}
		if event.Phone != "" {
			if phone, err := strconv.ParseInt(event.Phone, 10, 64); err == nil {
				items = append(items, map[string]interface{}{"Name": "PhoneNumber", "Value": phone})
			}
		}
		stk["CallbackMetadata"] = map[string]interface{}{"Item": items}
	}

	encoded, _ := json.Marshal(map[string]interface{}{
		"Body": map[string]interface{}{"stkCallback": stk},
	})
	return encoded
}
