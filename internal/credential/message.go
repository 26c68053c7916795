package credential

import (
	"fmt"
	"strings"
)

// Deployment describes what the owner needs to run the bot elsewhere.
type Deployment struct {
	SessionString string
	TenantID      string
	Prefix        string
	OwnerName     string
	// Manual marks a message produced on request rather than on connect.
	Manual bool
}

// ConfigMessage renders the deployment block sent to the owner's own chat.
func ConfigMessage(d Deployment) string {
	prefix := d.Prefix
	if prefix == "" {
		prefix = "1"
	}
	owner := d.OwnerName
	if owner == "" {
		owner = "Moi"
	}

	var b strings.Builder
	if d.Manual {
		b.WriteString("*WBOT CONFIGURATION (MANUAL)*\n\n")
	} else {
		b.WriteString("*WBOT CONFIGURATION*\n\n")
		b.WriteString("Copiez le bloc ci-dessous dans les variables d'environnement de votre hébergement :\n\n")
	}
	b.WriteString("```\n")
	fmt.Fprintf(&b, "SESSION_ID=%s\n", d.SessionString)
	fmt.Fprintf(&b, "OWNER_ID=%s\n", d.TenantID)
	fmt.Fprintf(&b, "PREFIXE=%s\n", prefix)
	fmt.Fprintf(&b, "NOM_OWNER=%s\n", owner)
	b.WriteString("```\n\n")
	if d.Manual {
		b.WriteString("_⚠️ Copiez tout pour le déploiement._")
	} else {
		b.WriteString("_✅ Configuration prête pour déploiement._")
	}
	return b.String()
}

// WelcomeMessage renders the banner sent once a session connects.
func WelcomeMessage(prefix string) string {
	if prefix == "" {
		prefix = "1"
	}
	return "╭───〔 🤖 𝙒𝘽𝙊𝙏 𝙋𝙍𝙊 〕───⬣\n" +
		"│ ߷ Etat       ➜ Connecté ✅\n" +
		"│ ߷ Préfixe    ➜ " + prefix + "\n" +
		"│ ߷ Mode       ➜ private\n" +
		"│ ߷ Commandes  ➜ 12+\n" +
		"│ ߷ Version    ➜ 4.0.0\n" +
		"╰──────────────⬣\n\n" +
		"_Tapez !session pour obtenir vos identifiants._"
}
