package server

import (
	"github.com/go-playground/validator/v10"
)

// CustomValidator 把validator接到echo的c.Validate上
type CustomValidator struct {
	validator *validator.Validate
}

// NewValidator 创建请求校验器
func NewValidator() *CustomValidator {
	return &CustomValidator{validator: validator.New()}
}

// Validate 校验结构体上的validate标签
func (cv *CustomValidator) Validate(i any) error {
	return cv.validator.Struct(i)
}
