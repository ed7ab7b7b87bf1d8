package router

import (
	"regexp"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"julianmorley.ca/con-plar/storefront/pkg/coupon"
)

var couponCodePattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_-]{2,31}$`)

var (
	registerOnce sync.Once
	registerErr  error
)

// RegisterValidators adds the custom binding tags to gin's validator engine
func RegisterValidators() error {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			registerErr = errors.New("gin binding engine is not go-playground/validator")
			return
		}
		if err := v.RegisterValidation("objectid", validateObjectID); err != nil {
			registerErr = errors.Wrap(err, "register objectid validator")
			return
		}
		if err := v.RegisterValidation("couponcode", validateCouponCode); err != nil {
			registerErr = errors.Wrap(err, "register couponcode validator")
		}
	})
	return registerErr
}

func validateObjectID(fl validator.FieldLevel) bool {
	_, err := bson.ObjectIDFromHex(fl.Field().String())
	return err == nil
}

// Codes are compared after normalization, so " save10 " is accepted
func validateCouponCode(fl validator.FieldLevel) bool {
	return couponCodePattern.MatchString(coupon.Normalize(fl.Field().String()))
}
