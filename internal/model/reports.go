package model

// Raw output shapes of the external analysis tools, exactly as read back from
// their report files. Each variant is consumed by its own normalization
// function; nothing downstream ever touches these types.

type SemgrepReport struct {
	Results []SemgrepResult `json:"results"`
	Errors  []SemgrepError  `json:"errors"`
}

type SemgrepResult struct {
	CheckID string          `json:"check_id"`
	Path    string          `json:"path"`
	Start   SemgrepPosition `json:"start"`
	End     SemgrepPosition `json:"end"`
	Extra   SemgrepExtra    `json:"extra"`
}

type SemgrepPosition struct {
	Line int `json:"line"`
	Col  int `json:"col"`
}

type SemgrepExtra struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Lines    string `json:"lines"`
}

type SemgrepError struct {
	Message string `json:"message"`
}

type ZapReport struct {
	Site []ZapSite `json:"site"`
}

type ZapSite struct {
	Alerts []ZapAlert `json:"alerts"`
}

type ZapAlert struct {
	RiskCode string `json:"riskcode"`
	Name     string `json:"name"`
	Desc     string `json:"desc"`
	Solution string `json:"solution"`
	Evidence string `json:"evidence"`
	PluginID string `json:"pluginid"`
}
