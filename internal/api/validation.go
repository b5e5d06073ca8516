package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/JakeFAU/nfse-harvester/internal/harvest"
)

type executionRequest struct {
	CNPJ      string `json:"cnpj" validate:"required,cnpj"`
	Password  string `json:"password" validate:"required"`
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"required,datetime=2006-01-02"`
	Headless  *bool  `json:"headless"`
}

type dateRange struct {
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date" validate:"gtefield=StartDate"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("cnpj", func(fl validator.FieldLevel) bool {
		return harvest.ValidCNPJ(fl.Field().String())
	})
	return v
}

// toParameters validates req and converts it to JobParameters.
func toParameters(v *validator.Validate, req executionRequest, defaultHeadless bool) (harvest.JobParameters, error) {
	if err := v.Struct(req); err != nil {
		return harvest.JobParameters{}, describe(err)
	}
	start, err := time.Parse(harvest.DateLayout, req.StartDate)
	if err != nil {
		return harvest.JobParameters{}, fmt.Errorf("start_date: %w", err)
	}
	end, err := time.Parse(harvest.DateLayout, req.EndDate)
	if err != nil {
		return harvest.JobParameters{}, fmt.Errorf("end_date: %w", err)
	}
	if err := v.Struct(dateRange{StartDate: start, EndDate: end}); err != nil {
		return harvest.JobParameters{}, describe(err)
	}
	headless := defaultHeadless
	if req.Headless != nil {
		headless = *req.Headless
	}
	return harvest.JobParameters{
		CNPJ:      harvest.NormalizeCNPJ(req.CNPJ),
		Password:  req.Password,
		StartDate: start,
		EndDate:   end,
		Headless:  headless,
	}, nil
}

func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "cnpj":
			msgs = append(msgs, fe.Field()+" is not a valid CNPJ")
		case "datetime":
			msgs = append(msgs, fmt.Sprintf("%s must use the %s layout", fe.Field(), fe.Param()))
		case "gtefield":
			msgs = append(msgs, fe.Field()+" must not be before start_date")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
