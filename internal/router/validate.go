package router

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"routeline/internal/domain"
)

// intentValidate checks ActionIntent shape. Initialized in init() with custom validators.
var intentValidate *validator.Validate

func init() {
	intentValidate = validator.New()
	_ = intentValidate.RegisterValidation("action_type", func(fl validator.FieldLevel) bool {
		return domain.ActionType(fl.Field().String()).Valid()
	})
}

// ValidateIntent normalises whitespace and rejects malformed intents with ErrInvalidIntent.
func ValidateIntent(in *domain.ActionIntent) error {
	in.AgentID = strings.TrimSpace(in.AgentID)
	in.AgentName = strings.TrimSpace(in.AgentName)
	in.Target = strings.TrimSpace(in.Target)
	in.Type = domain.ActionType(strings.TrimSpace(string(in.Type)))
	for i, s := range in.AffectedServices {
		in.AffectedServices[i] = strings.TrimSpace(s)
	}
	err := intentValidate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.InvalidIntentf("%v", err)
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			problems = append(problems, fieldName(fe.Namespace())+" is required")
		case "action_type":
			problems = append(problems, "unknown action type "+strings.TrimSpace(fe.Value().(domain.ActionType).String()))
		default:
			problems = append(problems, fieldName(fe.Namespace())+" failed "+fe.Tag())
		}
	}
	return domain.InvalidIntentf("%s", strings.Join(problems, "; "))
}

var jsonNames = map[string]string{
	"AgentID":          "agent_id",
	"Type":             "type",
	"Target":           "target",
	"AffectedServices": "affected_services",
}

func fieldName(ns string) string {
	ns = strings.TrimPrefix(ns, "ActionIntent.")
	head, rest, _ := strings.Cut(ns, "[")
	if name, ok := jsonNames[head]; ok {
		head = name
	}
	if rest != "" {
		return head + "[" + rest
	}
	return head
}
