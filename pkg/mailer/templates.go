package mailer

import (
	"fmt"
	"html/template"
	"strings"
	"time"
)

var loginCodeTmpl = template.Must(template.New("login_code").Parse(`
<html>
<body style="font-family: sans-serif;">
  <h2>Your login code</h2>
  <p style="font-size: 28px; letter-spacing: 4px; font-weight: bold;">{{.Code}}</p>
  <p>This code expires in {{.Minutes}} minutes and can be used once.</p>
  <p>If you did not request it, you can ignore this mail.</p>
</body>
</html>
`))

// RenderLoginCode renders the one-time code mail.
func RenderLoginCode(code string, ttl time.Duration) (subject, body string, err error) {
	var b strings.Builder
	err = loginCodeTmpl.Execute(&b, struct {
		Code    string
		Minutes int
	}{Code: code, Minutes: int(ttl.Minutes())})
	if err != nil {
		return "", "", fmt.Errorf("failed to render login code mail: %w", err)
	}
	return "Your loantrack login code", b.String(), nil
}

// ReminderRow is one pending payment in the reminder digest. RemainingDays
// is signed: negative means the payment is overdue.
type ReminderRow struct {
	Name          string
	Amount        string
	DueDate       string
	RemainingDays int
}

var reminderTmpl = template.Must(template.New("reminder").Parse(`
<html>
<body style="font-family: sans-serif;">
  <h2>Pending payments</h2>
  <table border="1" cellpadding="6" cellspacing="0">
    <tr><th>Name</th><th>Amount</th><th>Due date</th><th>Days left</th></tr>
    {{range .}}
    <tr>
      <td>{{.Name}}</td>
      <td>{{.Amount}}</td>
      <td>{{.DueDate}}</td>
      <td>{{.RemainingDays}}</td>
    </tr>
    {{end}}
  </table>
</body>
</html>
`))

// RenderReminder renders the weekly pending-payment digest.
func RenderReminder(rows []ReminderRow) (subject, body string, err error) {
	var b strings.Builder
	if err = reminderTmpl.Execute(&b, rows); err != nil {
		return "", "", fmt.Errorf("failed to render reminder mail: %w", err)
	}
	subject = fmt.Sprintf("Payment reminder: %d pending", len(rows))
	return subject, b.String(), nil
}
