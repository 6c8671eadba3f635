package cdpproxy

import (
	"github.com/chromedp/cdproto"
	"go.uber.org/zap"
)

// sensitiveCommands are CDP methods logged at info level for audit purposes.
var sensitiveCommands = map[cdproto.MethodType]bool{
	"Runtime.evaluate":               true,
	"Runtime.callFunctionOn":         true,
	"Page.navigate":                  true,
	"Network.setCookie":              true,
	"Network.deleteCookies":          true,
	"Network.setExtraHTTPHeaders":    true,
	"Storage.clearDataForOrigin":     true,
	"Input.dispatchKeyEvent":         true,
	"DOM.setAttributeValue":          true,
	"Page.setDocumentContent":        true,
	"Fetch.fulfillRequest":           true,
	"Security.setIgnoreCertErrors":   true,
	"Browser.grantPermissions":       true,
	"Target.createTarget":            true,
	"Target.createBrowserContext":    true,
	"Emulation.setUserAgentOverride": true,
}

type auditLogger struct {
	log *zap.Logger
}

func newAuditLogger(log *zap.Logger) *auditLogger {
	return &auditLogger{log: log.Named("audit")}
}

func (a *auditLogger) command(connID, projectID string, method cdproto.MethodType, sessionID string) {
	if a == nil {
		return
	}
	fields := []zap.Field{
		zap.String("conn", truncateID(connID)),
		zap.String("project", projectID),
		zap.String("method", string(method)),
	}
	if sessionID != "" {
		fields = append(fields, zap.String("session", truncateID(sessionID)))
	}
	if sensitiveCommands[method] {
		a.log.Info("cdp_sensitive_command", fields...)
	} else {
		a.log.Debug("cdp_command", fields...)
	}
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
