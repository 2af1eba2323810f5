package policy

// ActType is the kind of system act handed to NLG.
type ActType string

const (
	ActNone                   ActType = ""
	ActElicitPreference       ActType = "ElicitPreference"
	ActElicitMorePreference   ActType = "ElicitMorePreference"
	ActAskClarifyingQuestion  ActType = "AskClarifyingQuestion"
	ActPresentCandidates      ActType = "PresentCandidates"
	ActConfirmRecommendation  ActType = "ConfirmRecommendation"
	ActNoViableRecommendation ActType = "NoViableRecommendation"
	ActInformRelaxing         ActType = "InformRelaxing"
	ActAskRetryOrRelax        ActType = "AskRetryOrRelax"
	ActFarewell               ActType = "Farewell"
)

// ActTypes lists every emitted act type.
func ActTypes() []ActType {
	return []ActType{
		ActElicitPreference,
		ActElicitMorePreference,
		ActAskClarifyingQuestion,
		ActPresentCandidates,
		ActConfirmRecommendation,
		ActNoViableRecommendation,
		ActInformRelaxing,
		ActAskRetryOrRelax,
		ActFarewell,
	}
}
