package site

// DefaultSite is used when no site file is configured.
const DefaultSite = `
page "home" {
  path  = "/"
  title = "Partial prerendering"

  text "heading" {
    tag   = "h1"
    value = "Partial prerendering"
  }

  greeting "welcome" {
    fallback = "Hello!"
  }

  text "intro" {
    value = "Everything on this page was rendered at build time except the greeting above."
  }

  cached "posts" {
    producer = "posts"
    args     = { limit = 3 }
    boundary = true
    fallback = "Loading posts..."
  }

  cached "quote" {
    producer       = "quote"
    args           = { index = 2 }
    memoize_output = true
  }

  html "footer" {
    value = "<footer><a href=\"/login?name=Alice\">Log in as Alice</a> | <a href=\"/logout\">Log out</a></footer>"
  }
}
`

// Default parses DefaultSite.
func Default() *Site {
	s, err := Parse([]byte(DefaultSite), "default.hcl")
	if err != nil {
		panic(err)
	}
	return s
}
