// Package model 包含了应用的数据模型定义。
package model

// DominationField 是封闭的会话领域枚举，决定提示模板的选择以及是否执行上下文检索。
type DominationField string

const (
	FieldNormalChat DominationField = "normal_chat"
	FieldEmail      DominationField = "email"
	FieldScience    DominationField = "science"
	FieldLaw        DominationField = "law"
	FieldMedicine   DominationField = "medicine"
)

// allFields 是合法领域的封闭集合。
var allFields = map[DominationField]bool{
	FieldNormalChat: true,
	FieldEmail:      true,
	FieldScience:    true,
	FieldLaw:        true,
	FieldMedicine:   true,
}

// contextFreeFields 中的领域不触发上下文检索。
var contextFreeFields = map[DominationField]bool{
	FieldNormalChat: true,
	FieldEmail:      true,
}

// Valid 判断领域值是否属于封闭枚举。
func (f DominationField) Valid() bool {
	return allFields[f]
}

// IsContextFree 判断该领域是否跳过上下文检索。
func (f DominationField) IsContextFree() bool {
	return contextFreeFields[f]
}
