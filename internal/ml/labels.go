package ml

// Class labels produced by the model.
const (
	LabelBenign     = "benign"
	LabelPhishing   = "phishing"
	LabelMalware    = "malware"
	LabelDefacement = "defacement"
	LabelUnknown    = "unknown"
)

// ClassLabels maps the model's class index to its label.
var ClassLabels = map[int]string{
	0: LabelBenign,
	1: LabelPhishing,
	2: LabelMalware,
	3: LabelDefacement,
}

// NumClasses is the number of classes the model distinguishes.
var NumClasses = len(ClassLabels)

// LabelFor returns the label of class index idx, or LabelUnknown for an index
// outside the table.
func LabelFor(idx int) string {
	if label, ok := ClassLabels[idx]; ok {
		return label
	}
	return LabelUnknown
}
