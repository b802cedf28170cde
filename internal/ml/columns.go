package ml

// CanonicalColumns is the feature order the model was trained with.
// Position i of every Vector holds the feature named CanonicalColumns[i].
var CanonicalColumns = []string{
	FeatureURLLength,
	FeatureHostnameLength,
	FeaturePathLength,
	FeatureQueryLength,
	FeatureNumDots,
	FeatureNumHyphens,
	FeatureNumAt,
	FeatureNumQuestionMarks,
	FeatureNumEquals,
	FeatureNumUnderscores,
	FeatureNumAmpersands,
	FeatureNumDigits,
	FeatureHasHTTPS,
	FeatureUsesIP,
	FeatureNumSubdomains,
	"has_login",
	"has_secure",
	"has_account",
	"has_update",
	"has_free",
	"has_lucky",
	"has_banking",
	"has_confirm",
	FeatureHasPort,
	FeatureURLEntropy,
}

// NumFeatures is the width of a Vector.
var NumFeatures = len(CanonicalColumns)

// Vector is a FeatureMap laid out in column order.
type Vector []float64

// ToFloat32 converts v to the element type consumed by the model.
func (v Vector) ToFloat32() []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

// Assemble lays m out in the order given by columns. Keys of m not named in
// columns are ignored. A column missing from m is a *MissingFeatureError.
func Assemble(m FeatureMap, columns []string) (Vector, error) {
	v := make(Vector, len(columns))
	for i, col := range columns {
		f, ok := m[col]
		if !ok {
			return nil, &MissingFeatureError{Column: col}
		}
		v[i] = f
	}
	return v, nil
}
