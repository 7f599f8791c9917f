package agent

// Tool names the executor dispatches on.
const (
	ToolCheckAvailability = "check_availability"
	ToolHoldSlot          = "hold_slot"
	ToolConfirmBooking    = "confirm_booking"
	ToolLookupBooking     = "lookup_booking"
	ToolRescheduleBooking = "reschedule_booking"
	ToolCancelBooking     = "cancel_booking"
	ToolScheduleFollowup  = "schedule_contact_followup"
)

// ConfirmedAdditionalSentinel in follow-up notes marks that the customer
// explicitly agreed to another follow-up after the first.
const ConfirmedAdditionalSentinel = "[CONFIRMED_ADDITIONAL]"

// ToolDef is a model-facing tool definition. InputSchema is a JSON Schema
// document; the Bedrock client converts it to the wire format.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func schema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// ToolDefs is the fixed tool surface offered to the model.
func ToolDefs() []ToolDef {
	return []ToolDef{
		{
			Name:        ToolCheckAvailability,
			Description: "List open appointment slots between two dates. Use before holding a slot.",
			InputSchema: schema(map[string]any{
				"start_date":   prop("string", "Range start, ISO-8601 date or datetime"),
				"end_date":     prop("string", "Range end, ISO-8601 date or datetime"),
				"service_name": prop("string", "Requested service, if the customer named one"),
			}, "start_date", "end_date"),
		},
		{
			Name:        ToolHoldSlot,
			Description: "Reserve a specific slot for five minutes while collecting the customer's details.",
			InputSchema: schema(map[string]any{
				"start_time":         prop("string", "Slot start, ISO-8601 datetime"),
				"end_time":           prop("string", "Slot end, ISO-8601 datetime"),
				"far_date_confirmed": prop("boolean", "Set true only after the customer re-confirmed a far-future date"),
			}, "start_time", "end_time"),
		},
		{
			Name:        ToolConfirmBooking,
			Description: "Convert a held slot into a confirmed appointment. Requires the customer's verified email.",
			InputSchema: schema(map[string]any{
				"hold_id":      prop("string", "Hold id returned by hold_slot"),
				"client_name":  prop("string", "Customer full name"),
				"client_email": prop("string", "Customer email, must match the verified session email"),
				"client_phone": prop("string", "Customer phone for the SMS confirmation"),
				"service_name": prop("string", "Service to book"),
			}, "hold_id", "client_name", "client_email", "client_phone"),
		},
		{
			Name:        ToolLookupBooking,
			Description: "Find confirmed appointments by reference code or email. At least one is required.",
			InputSchema: schema(map[string]any{
				"reference_code": prop("string", "Booking reference, e.g. APT-K3N7PQ"),
				"email":          prop("string", "Email the booking was made under"),
			}),
		},
		{
			Name:        ToolRescheduleBooking,
			Description: "Move an appointment onto a newly held slot. Hold the new slot first.",
			InputSchema: schema(map[string]any{
				"appointment_id": prop("string", "Appointment to move"),
				"new_hold_id":    prop("string", "Hold id for the new time"),
			}, "appointment_id", "new_hold_id"),
		},
		{
			Name:        ToolCancelBooking,
			Description: "Cancel an appointment by reference code. Identity is verified via session or phone last-4.",
			InputSchema: schema(map[string]any{
				"reference_code": prop("string", "Booking reference to cancel"),
				"phone_last4":    prop("string", "Last four digits of the phone on the booking"),
			}, "reference_code"),
		},
		{
			Name:        ToolScheduleFollowup,
			Description: "Schedule a follow-up message to the customer when they cannot book right now.",
			InputSchema: schema(map[string]any{
				"client_name":       prop("string", "Customer name"),
				"client_email":      prop("string", "Customer email"),
				"preferred_contact": prop("string", "One of: email, sms, either"),
				"reason":            prop("string", "Why the follow-up is needed; free text notes"),
			}, "client_name", "client_email", "preferred_contact", "reason"),
		},
	}
}
