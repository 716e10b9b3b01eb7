package tools

import "github.com/BTreeMap/PawPipe/internal/genai"

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

var (
	businessInfoSpec = genai.ToolSpec{
		Name:        string(GetBusinessInfo),
		Description: "Look up the business's opening hours, services, policies or contact details.",
		Parameters: objectSchema(map[string]any{
			"topic": map[string]any{
				"type":        "string",
				"enum":        []string{"all", "hours", "services", "policies", "contact"},
				"description": "Which section to return. Defaults to all.",
			},
		}),
	}

	customerProfileSpec = genai.ToolSpec{
		Name:        string(GetCustomerProfile),
		Description: "Get the profile of the customer texting in. Fails if the number is not linked to an account.",
		Parameters:  objectSchema(map[string]any{}),
	}

	listPetsSpec = genai.ToolSpec{
		Name:        string(ListPets),
		Description: "List the pets registered to the customer, with vaccination status.",
		Parameters:  objectSchema(map[string]any{}),
	}

	listBookingsSpec = genai.ToolSpec{
		Name:        string(ListBookings),
		Description: "List the customer's upcoming or past daycare, boarding and grooming bookings.",
		Parameters: objectSchema(map[string]any{
			"scope": map[string]any{
				"type":        "string",
				"enum":        []string{"upcoming", "past"},
				"description": "upcoming (default) or past bookings.",
			},
			"limit": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"maximum":     maxBookingLimit,
				"description": "Maximum number of bookings to return.",
			},
		}),
	}

	walletSpec = genai.ToolSpec{
		Name:        string(GetWalletBalance),
		Description: "Get the customer's loyalty points, account credit and available rewards.",
		Parameters:  objectSchema(map[string]any{}),
	}

	rescheduleSpec = genai.ToolSpec{
		Name:        string(RequestReschedule),
		Description: "File a request to move one of the customer's bookings. Staff confirm the change; it is not instant.",
		Parameters: objectSchema(map[string]any{
			"booking_id": map[string]any{
				"type":        "string",
				"description": "Id of the booking to move, from list_bookings.",
			},
			"requested_start": map[string]any{
				"type":        "string",
				"description": "Desired new start time as an RFC 3339 timestamp with offset.",
			},
			"note": map[string]any{
				"type":        "string",
				"description": "Anything staff should know about the request.",
			},
		}, "booking_id", "requested_start"),
	}

	callbackSpec = genai.ToolSpec{
		Name:        string(RequestHumanCallback),
		Description: "Ask a staff member to contact the customer. Use when the customer wants a person or the request is outside what the tools can do.",
		Parameters: objectSchema(map[string]any{
			"reason": map[string]any{
				"type":        "string",
				"description": "Short summary of what the customer needs.",
			},
		}, "reason"),
	}
)
