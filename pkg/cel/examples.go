package cel

var GateExpressionExamples = map[string]string{
	"block_spam":          `verdicts.spam != "FAIL"`,
	"block_virus":         `verdicts.virus != "FAIL"`,
	"block_spam_or_virus": `verdicts.spam != "FAIL" && verdicts.virus != "FAIL"`,
	"require_dkim":        `verdicts.dkim == "PASS"`,
	"require_auth":        `verdicts.dkim == "PASS" || verdicts.spf == "PASS"`,
	"trusted_source":      `source == "inbound-smtp"`,
	"allow_all":           `true`,
	"combined_policy":     `verdicts.virus != "FAIL" && (verdicts.spam != "FAIL" || verdicts.dkim == "PASS")`,
}
