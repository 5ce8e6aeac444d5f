package validator

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

var (
	stallCategories  = []string{"game", "stage_program", "food", "other"}
	transactionTypes = []string{"recharge", "payment", "refund", ""}
)

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	registerCustomValidations()
}

func registerCustomValidations() {
	validate.RegisterValidation("stall_category", oneOf(stallCategories))
	validate.RegisterValidation("transaction_type", oneOf(transactionTypes))
}

func oneOf(allowed []string) validator.Func {
	return func(fl validator.FieldLevel) bool {
		v := fl.Field().String()
		for _, a := range allowed {
			if v == a {
				return true
			}
		}
		return false
	}
}

// Validate validates a struct and returns a map of field errors
func Validate(s any) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return map[string]string{"_": err.Error()}
	}

	errors := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required", "required_without":
			errors[field] = "This field is required"
		case "min":
			errors[field] = "Value is too short (min: " + fe.Param() + ")"
		case "max":
			errors[field] = "Value is too long (max: " + fe.Param() + ")"
		case "gt":
			errors[field] = "Value must be greater than " + fe.Param()
		case "gte":
			errors[field] = "Value must be at least " + fe.Param()
		case "lte":
			errors[field] = "Value must be at most " + fe.Param()
		case "alphanum":
			errors[field] = "Only letters and digits are allowed"
		case "stall_category":
			errors[field] = "Invalid category. Must be: game, stage_program, food, or other"
		case "transaction_type":
			errors[field] = "Invalid type. Must be: recharge, payment, or refund"
		default:
			errors[field] = "Invalid value"
		}
	}

	return errors
}

// ValidateVar validates a single variable
func ValidateVar(field any, tag string) error {
	return validate.Var(field, tag)
}
