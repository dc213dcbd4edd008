package schema

// Primitive type names, as shown in the admin UI
const (
	TypeString   = "String"
	TypeNumber   = "Number"
	TypeBoolean  = "Boolean"
	TypeDate     = "Date"
	TypeDateonly = "Dateonly"
	TypeTime     = "Time"
	TypeEnum     = "Enum"
	TypeJSON     = "Json"
	TypePoint    = "Point"
	TypeUUID     = "Uuid"
)

// Shape tells how a FieldType is built
type Shape int

const (
	ShapeScalar Shape = iota
	ShapeArray
	ShapeObject
)

// FieldType is a primitive, an array of a type, or a nested object shape.
type FieldType struct {
	Shape     Shape
	Primitive string
	Elem      *FieldType
	Fields    []NestedField
}

// NestedField is one key of a nested object shape
type NestedField struct {
	Field string
	Type  FieldType
}

// Scalar returns a primitive type
func Scalar(primitive string) FieldType {
	return FieldType{Shape: ShapeScalar, Primitive: primitive}
}

// ArrayOf returns an array type
func ArrayOf(elem FieldType) FieldType {
	return FieldType{Shape: ShapeArray, Elem: &elem}
}

// ObjectOf returns a nested object type
func ObjectOf(fields ...NestedField) FieldType {
	return FieldType{Shape: ShapeObject, Fields: fields}
}

// IsArray reports whether the type is an array
func (t FieldType) IsArray() bool {
	return t.Shape == ShapeArray
}

// IsObject reports whether the type is a nested object shape
func (t FieldType) IsObject() bool {
	return t.Shape == ShapeObject
}

// Is reports whether the type is the given primitive
func (t FieldType) Is(primitive string) bool {
	return t.Shape == ShapeScalar && t.Primitive == primitive
}
