package features

// ImplementedAuthFeatures lists the social providers that have a working
// sign-in flow at runtime.
var ImplementedAuthFeatures = map[string]bool{
	"oauth":  true,
	"github": true,
	"google": true,
}
